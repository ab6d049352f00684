package database

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const uniqueViolation = pq.ErrorCode("23505")

// ErrConflict is matched (errors.Is) by every unique-constraint violation surfaced by a repository.
var ErrConflict = errors.New("unique constraint violation")

// ConflictError reports which row collided on which constraint.
type ConflictError struct {
	Table      string
	Constraint string
	Key        string
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s already exists (%s)", e.Table, e.Key, e.Constraint)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// AsConflict converts a driver unique-violation into a *ConflictError and returns nil for anything else.
func AsConflict(err error, table, key string) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return nil
	}
	return &ConflictError{Table: table, Constraint: pqErr.Constraint, Key: key, Err: err}
}
