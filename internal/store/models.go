package store

import "time"

// User represents a person authenticated via Google OAuth.
type User struct {
	ID           int64
	OAuthSubject string
	PrimaryEmail string
	CreatedAt    time.Time
	LastLoginAt  time.Time
}

// Priority buckets an event into the week-planning lanes the UI exposes.
const (
	PriorityUnassigned = "unassigned"
	PriorityWork       = "work"
	PriorityRelations  = "relations"
	PrioritySelf       = "self"
)

// Origin records which side of the mirror an event was first created on.
const (
	OriginLocal  = "calmirror"
	OriginRemote = "googleimport"
)

// Event is a mirrored or local-only calendar event.
//
// A non-someday event always carries the id of its remote counterpart; a
// someday event never does and is never pushed to the remote calendar.
type Event struct {
	ID          string
	UserID      int64
	RemoteID    string
	CalendarID  string
	Title       string
	Description string
	StartsAt    time.Time
	EndsAt      time.Time
	AllDay      bool
	Priority    string
	Someday     bool
	Origin      string
	UpdatedAt   time.Time
}

// ChannelState tracks one push-notification channel for one calendar.
//
// SyncToken is the incremental-import cursor for the watched calendar; an
// empty token means the next import must be a full one.
type ChannelState struct {
	ChannelID   string    `json:"channelId"`
	ResourceID  string    `json:"resourceId"`
	Expiration  time.Time `json:"expiration"`
	SyncToken   string    `json:"syncToken,omitempty"`
	RefreshedAt time.Time `json:"refreshedAt,omitempty"`
}

// Stale reports whether the channel has passed its expiration.
func (c ChannelState) Stale(now time.Time) bool {
	return !c.Expiration.After(now)
}

// SyncRecord is the per-user sync state document: the calendar-list token and
// one ChannelState per watched calendar, keyed by calendar id.
type SyncRecord struct {
	UserID            int64
	CalendarListToken string
	EventChannels     map[string]ChannelState
	UpdatedAt         time.Time
}

// Channel looks up the channel state for a calendar.
func (r *SyncRecord) Channel(calendarID string) (ChannelState, bool) {
	c, ok := r.EventChannels[calendarID]
	return c, ok
}

// ChannelByID finds the calendar whose channel carries the given channel id.
func (r *SyncRecord) ChannelByID(channelID string) (string, ChannelState, bool) {
	for calendarID, c := range r.EventChannels {
		if c.ChannelID == channelID {
			return calendarID, c, true
		}
	}
	return "", ChannelState{}, false
}

// EventFilter narrows ListByUser queries.
type EventFilter struct {
	// Someday selects only someday events when true, only scheduled events
	// when false, and is ignored when nil.
	Someday *bool
	// From/Until bound the event time range when non-zero.
	From  time.Time
	Until time.Time
	Limit int
}
