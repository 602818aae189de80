package store

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	UpsertOAuthUser(ctx context.Context, subject, email string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
}

// TokenRepository stores each user's OAuth token for the remote calendar
// service.
type TokenRepository interface {
	Save(ctx context.Context, userID int64, token *oauth2.Token) error
	Get(ctx context.Context, userID int64) (*oauth2.Token, error)
	Delete(ctx context.Context, userID int64) error
}

// ChannelRef identifies one watch channel inside a user's sync record.
type ChannelRef struct {
	UserID     int64
	CalendarID string
	State      ChannelState
}

// SyncRepository persists per-user sync state: watch channels, sync tokens
// and refresh timestamps. Channel mutations address a single nested
// ChannelState so concurrent server instances never rewrite each other's
// sibling channels.
type SyncRepository interface {
	Get(ctx context.Context, userID int64) (*SyncRecord, error)
	Delete(ctx context.Context, userID int64) error

	SetChannel(ctx context.Context, userID int64, calendarID string, state ChannelState) error
	DeleteChannelByID(ctx context.Context, userID int64, channelID string) error
	SetSyncToken(ctx context.Context, userID int64, calendarID, token string) error
	SetCalendarListToken(ctx context.Context, userID int64, token string) error

	// FindByResourceID resolves which user and calendar a push notification
	// belongs to.
	FindByResourceID(ctx context.Context, resourceID string) (*ChannelRef, error)
	// ListExpiring returns channels whose expiration falls before the cutoff.
	ListExpiring(ctx context.Context, cutoff time.Time) ([]ChannelRef, error)
}

// EventRepository handles the local event mirror.
type EventRepository interface {
	Insert(ctx context.Context, event Event) (*Event, error)
	// InsertMany bulk-inserts events, upserting on (user, remote id) so a
	// re-run of the same import never duplicates. Returns how many rows were
	// written.
	InsertMany(ctx context.Context, events []Event) (int, error)
	GetByID(ctx context.Context, userID int64, id string) (*Event, error)
	Replace(ctx context.Context, userID int64, id string, event Event) (*Event, error)
	DeleteByID(ctx context.Context, userID int64, id string) error
	DeleteByRemoteIDs(ctx context.Context, userID int64, remoteIDs []string) (int, error)
	ListByUser(ctx context.Context, userID int64, filter EventFilter) ([]Event, error)
	// DeleteAllByUser removes the local mirror only; remote events are never
	// touched here.
	DeleteAllByUser(ctx context.Context, userID int64) (int, error)
}
