package sync

import "errors"

var (
	// ErrWatchExists indicates the calendar already has a live watch channel.
	ErrWatchExists = errors.New("sync: watch channel already exists")

	// ErrMissingResourceID indicates the remote side accepted a watch but
	// returned no resource id, leaving nothing to route notifications by.
	ErrMissingResourceID = errors.New("sync: watch response missing resource id")

	// ErrAccessRevoked indicates the user's grant is gone and their sync
	// state has been torn down.
	ErrAccessRevoked = errors.New("sync: calendar access revoked")

	// ErrChannelNotFound indicates no channel state exists for the calendar,
	// or the remote side no longer knows the channel.
	ErrChannelNotFound = errors.New("sync: watch channel not found")

	// ErrStopFailed indicates the remote stop call failed for a reason other
	// than revocation or a missing channel; the channel state is kept so the
	// stop can be retried.
	ErrStopFailed = errors.New("sync: failed to stop watch channel")

	// ErrNoActiveWatches indicates the user has no watch channels to stop.
	ErrNoActiveWatches = errors.New("sync: no active watch channels")

	// ErrUnknownChannel indicates a notification that matches no stored
	// channel, usually one from a channel stopped moments earlier.
	ErrUnknownChannel = errors.New("sync: notification for unknown channel")
)
