package store

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateSync   = errors.New("sync already exists for this integration, object and instance")
	ErrDuplicateRecord = errors.New("record already exists for this sync and external id")
	ErrVersionConflict = errors.New("record version conflict")
)
