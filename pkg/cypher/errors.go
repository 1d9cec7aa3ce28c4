package cypher

import "errors"

// General error taxonomy, mirroring pkg/storage's boundary errors
// one-to-one so callers can errors.Is against either layer uniformly.
var (
	ErrIO              = errors.New("cypher: io error")
	ErrCorruption      = errors.New("cypher: corruption detected")
	ErrWALProtocol     = errors.New("cypher: wal protocol violation")
	ErrBackupProtocol  = errors.New("cypher: backup protocol violation")
	ErrInvalidArgument = errors.New("cypher: invalid argument")
	ErrNotFound        = errors.New("cypher: not found")
	ErrNotImplemented  = errors.New("cypher: not implemented")
)

// Compile-time Cypher error codes. These are returned by the
// parser and planner before any storage mutation is attempted.
var (
	ErrVariableAlreadyBound  = errors.New("cypher: variable already bound with a different type")
	ErrVariableTypeConflict  = errors.New("cypher: variable reused with conflicting type")
	ErrUndefinedVariable     = errors.New("cypher: undefined variable")
	ErrInvalidAggregation    = errors.New("cypher: invalid use of aggregate function")
	ErrInvalidArgumentType   = errors.New("cypher: invalid argument type")
	ErrInvalidArgumentValue  = errors.New("cypher: invalid argument value")
	ErrInvalidDelete         = errors.New("cypher: invalid delete expression")
	ErrDifferentColumnsInUnion = errors.New("cypher: UNION branches return different columns")
	ErrUnknownFunction       = errors.New("cypher: unknown function")
	ErrInvalidNumberLiteral  = errors.New("cypher: invalid number literal")
	ErrIntegerOverflow       = errors.New("cypher: integer literal overflows 64 bits")
)
