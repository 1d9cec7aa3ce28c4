package storage

import "errors"

// Boundary error taxonomy. Infrastructural errors are fatal to
// the current operation; semantic and user errors leave the database
// unchanged.
var (
	ErrIO              = errors.New("storage: io error")
	ErrCorruption      = errors.New("storage: corruption detected")
	ErrWALProtocol     = errors.New("storage: wal protocol violation")
	ErrBackupProtocol  = errors.New("storage: backup protocol violation")
	ErrInvalidArgument = errors.New("storage: invalid argument")
	ErrNotFound        = errors.New("storage: not found")
	ErrNotImplemented  = errors.New("storage: not implemented")

	ErrClosed          = errors.New("storage: database closed")
	ErrWriterBusy      = errors.New("storage: another writer is active")
	ErrDuplicateNode   = errors.New("storage: external id already bound")
	ErrNodeTombstoned  = errors.New("storage: node is tombstoned")
	ErrUnknownLabel    = errors.New("storage: unknown label id")
	ErrUnknownRelType  = errors.New("storage: unknown rel type id")
	ErrDeleteConnected = errors.New("storage: delete of connected node without DETACH")
)
