package cloudsync

import "errors"

var (
	// ErrSyncFailed is the single failure signal of FullSync. Remote
	// unavailability alone never produces it.
	ErrSyncFailed = errors.New("sync failed")
	ErrNotFound   = errors.New("not found")
)
