package host

import "errors"

var (
	// ErrNotFound is returned by Tree.Read when no node exists at the path.
	ErrNotFound = errors.New("node not found")

	// ErrReadOnly is returned by writes from a participant that may not write.
	ErrReadOnly = errors.New("participant is read-only")

	// ErrCompanionExists is returned by CreateCompanion when the room already
	// has a companion.
	ErrCompanionExists = errors.New("companion already exists")
)

// IsNotFound returns true if err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
