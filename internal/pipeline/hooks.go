package pipeline

import (
	"context"

	"github.com/electwix/dbrm/internal/schema"
)

// Hooks provides extension points in an introspection run.
// Each hook returning an error aborts the run.
type Hooks struct {
	// BeforeIntrospect receives the schema name about to be read.
	BeforeIntrospect func(ctx context.Context, name string) error

	// AfterIntrospect receives the merged schema descriptions.
	AfterIntrospect func(ctx context.Context, schemas []*schema.Schema) error

	// BeforeWrite receives the rendered output.
	BeforeWrite func(ctx context.Context, out Output) error

	// AfterWrite is called once the output is written.
	AfterWrite func(ctx context.Context, summary Summary) error
}

// Chain combines two Hooks, calling h's hooks first, then other's hooks.
// If a hook in h returns an error, other's hook is not called.
func (h Hooks) Chain(other Hooks) Hooks {
	return Hooks{
		BeforeIntrospect: chainHook(h.BeforeIntrospect, other.BeforeIntrospect),
		AfterIntrospect:  chainHook(h.AfterIntrospect, other.AfterIntrospect),
		BeforeWrite:      chainHook(h.BeforeWrite, other.BeforeWrite),
		AfterWrite:       chainHook(h.AfterWrite, other.AfterWrite),
	}
}

func chainHook[T any](first, second func(context.Context, T) error) func(context.Context, T) error {
	if first == nil {
		return second
	}
	if second == nil {
		return first
	}
	return func(ctx context.Context, arg T) error {
		if err := first(ctx, arg); err != nil {
			return err
		}
		return second(ctx, arg)
	}
}

func runHook[T any](ctx context.Context, hook func(context.Context, T) error, arg T) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, arg)
}
