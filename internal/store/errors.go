package store

import "errors"

// ErrNotFound indicates a missing or unauthorized record lookup.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateRemoteID indicates an insert collided with the unique
// (user, remote id) index.
var ErrDuplicateRemoteID = errors.New("event with this remote id already exists")
