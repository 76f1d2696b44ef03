package syncedstore

import (
	"errors"

	"github.com/dyluth/syncedstore/pkg/lifecycle"
)

var (
	// ErrInvalidDefaultState is returned by ConnectStorage when the default
	// state is not a plain mapping.
	ErrInvalidDefaultState = errors.New("default state is not a plain mapping")

	// ErrAccessDenied is returned by writes while the session may not write.
	ErrAccessDenied = errors.New("write access denied")

	// ErrDisconnected is returned by operations on a disconnected storage or
	// a destroyed store.
	ErrDisconnected = errors.New("disconnected")

	// ErrCompanionUnavailable is returned by writes from a writable session
	// before the companion object exists.
	ErrCompanionUnavailable = errors.New("companion object not available yet")

	// ErrCreationRace is reported when companion creation failed and no peer's
	// companion appeared in time.
	ErrCreationRace = lifecycle.ErrCreationRace
)
