package querycache

import (
	"fmt"
	"strings"
)

// PartialInvalidationError reports keys whose entries could not be deleted
// while invalidating a table. Their dependency records are kept so a later
// invalidation retries them.
type PartialInvalidationError struct {
	Table  string
	Failed []string
	Errs   []error
}

func (e *PartialInvalidationError) Error() string {
	return fmt.Sprintf("invalidate %s: %d entries not deleted (%s)",
		e.Table, len(e.Failed), strings.Join(e.Failed, ", "))
}

// Unwrap exposes the store errors behind the failure.
func (e *PartialInvalidationError) Unwrap() []error { return e.Errs }
