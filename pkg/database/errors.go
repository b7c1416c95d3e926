package database

import "errors"

var (
	// ErrNotFound is returned when a run or test case does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrRunIDInUse is returned when run_started names a run id that is
	// already present in the index.
	ErrRunIDInUse = errors.New("run id already in use")
)
