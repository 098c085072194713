package app

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	// ErrArchiveDisabled means no object storage is configured.
	ErrArchiveDisabled = errors.New("video archive not configured")
)
