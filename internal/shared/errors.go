package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrLockNotObtained indicates another writer holds the lock for the key.
	ErrLockNotObtained = errors.New("lock not obtained")
	// ErrActorMissing occurs when a mutating request carries no actor.
	ErrActorMissing = errors.New("actor missing")
)
