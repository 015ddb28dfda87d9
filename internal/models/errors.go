package models

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict indicates an optimistic-concurrency check failed:
	// another writer committed a metadata update between our read and write.
	// The caller must re-read and retry the whole read-modify-write cycle.
	ErrVersionConflict = errors.New("progress metadata version conflict")

	// ErrTurnInProgress indicates another turn for the same (player, game)
	// is currently being processed (double-submit guard).
	ErrTurnInProgress = errors.New("a turn is already being processed for this game")

	ErrGameNotFound            = errors.New("game not found")
	ErrCharacterNotFound       = errors.New("character not found")
	ErrCharacterNotAddressable = errors.New("character cannot be addressed yet")

	ErrForbidden      = errors.New("forbidden")
	ErrInternalServer = errors.New("internal server error")

	ErrTokenInvalid   = errors.New("token is invalid")
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenMalformed = errors.New("token is malformed")
)
