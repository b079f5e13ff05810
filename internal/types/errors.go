package types

import "errors"

// Error kinds surfaced by every block store operation. Callers classify with
// errors.Is; operations wrap them with context.
var (
	ErrNotFound        = errors.New("not found")
	ErrOutOfSpace      = errors.New("out of space")
	ErrInvalidHandle   = errors.New("invalid lock handle")
	ErrInfeasible      = errors.New("eviction infeasible")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
)
