package storage

import (
	"errors"

	"phishwatch/core"
)

var (
	// ErrNotFound aliases core.ErrNotFound so callers can match either
	ErrNotFound = core.ErrNotFound

	// ErrJSONTooLarge is returned when a stored JSON column exceeds maxJSONSize
	ErrJSONTooLarge = errors.New("stored JSON exceeds size limit")

	// ErrCacheMiss is returned when the snapshot cache holds no snapshot
	ErrCacheMiss = errors.New("snapshot cache miss")
)
