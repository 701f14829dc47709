package model

import "errors"

// Storage-level outcomes shared by repositories and the services above them.
var (
	ErrNotFound = errors.New("not found")
	// ErrSlotTaken means the database exclusion constraint rejected an overlapping appointment.
	ErrSlotTaken = errors.New("slot taken")
	// ErrStale means a guarded update matched no row because the status or version moved.
	ErrStale = errors.New("stale row")
)
