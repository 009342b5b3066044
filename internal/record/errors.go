package record

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTable  = errors.New("record: unknown table")
	ErrUnknownColumn = errors.New("record: unknown column")
	// ErrLockedKey is returned when assigning a primary key column whose
	// value is owned by the database.
	ErrLockedKey = errors.New("record: primary key is locked")
	ErrNoKey     = errors.New("record: table has no primary key")
	ErrNotLoaded = errors.New("record: row is not stored yet")
)

// ValidationError reports a value rejected for a column.
type ValidationError struct {
	Table  string
	Column string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %s (got %v)", e.Table, e.Column, e.Reason, e.Value)
}
