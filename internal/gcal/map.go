package gcal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calmirror/internal/store"
)

const (
	statusCancelled = "cancelled"
	untitled        = "untitled"

	dateOnly = "2006-01-02"
)

// IsCancelled reports whether a remote event arrived as a deletion. Listings
// with ShowDeleted carry removals as cancelled events rather than omissions.
func IsCancelled(e *calendar.Event) bool {
	return e != nil && e.Status == statusCancelled
}

// ToLocal converts a remote event into a local mirror row. The remote id is
// required; everything else falls back to a usable default so one malformed
// field never sinks a whole import page.
func ToLocal(userID int64, calendarID string, e *calendar.Event) (*store.Event, error) {
	if e == nil || e.Id == "" {
		return nil, ErrInvalidRemoteEvent
	}

	title := e.Summary
	if title == "" {
		title = untitled
	}

	startsAt, startAllDay, err := parseEventTime(e.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s: %v", ErrInvalidRemoteEvent, e.Id, err)
	}
	endsAt, _, err := parseEventTime(e.End)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s: %v", ErrInvalidRemoteEvent, e.Id, err)
	}

	return &store.Event{
		ID:          uuid.NewString(),
		UserID:      userID,
		RemoteID:    e.Id,
		CalendarID:  calendarID,
		Title:       title,
		Description: e.Description,
		StartsAt:    startsAt,
		EndsAt:      endsAt,
		AllDay:      startAllDay,
		Priority:    store.PriorityUnassigned,
		Origin:      store.OriginRemote,
	}, nil
}

// ToRemote builds the remote payload for a local event. Only the fields this
// app owns are sent; attendees, reminders and recurrence are left to the
// remote calendar's own UI.
func ToRemote(e store.Event) *calendar.Event {
	remote := &calendar.Event{
		Summary:     e.Title,
		Description: e.Description,
	}
	if e.AllDay {
		remote.Start = &calendar.EventDateTime{Date: e.StartsAt.Format(dateOnly)}
		remote.End = &calendar.EventDateTime{Date: e.EndsAt.Format(dateOnly)}
	} else {
		remote.Start = &calendar.EventDateTime{DateTime: e.StartsAt.Format(time.RFC3339)}
		remote.End = &calendar.EventDateTime{DateTime: e.EndsAt.Format(time.RFC3339)}
	}
	return remote
}

// parseEventTime reads a remote event time, which carries either a timestamp
// or a bare date for all-day events. A nil or empty value maps to the zero
// time.
func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	switch {
	case t == nil:
		return time.Time{}, false, nil
	case t.DateTime != "":
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse datetime %q: %w", t.DateTime, err)
		}
		return parsed, false, nil
	case t.Date != "":
		parsed, err := time.Parse(dateOnly, t.Date)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse date %q: %w", t.Date, err)
		}
		return parsed, true, nil
	default:
		return time.Time{}, false, nil
	}
}
