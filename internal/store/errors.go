package store

import "errors"

var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicateLocalID = errors.New("duplicate submission local id")
	ErrVersionUnknown   = errors.New("schema version not cached")
)
