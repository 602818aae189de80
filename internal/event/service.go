// Package event applies local calendar edits and propagates them to the
// user's remote calendar. Writes go remote-first: the local mirror is only
// touched once the remote side has accepted the change, so a failed remote
// call never leaves the two calendars disagreeing.
package event

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"gitea.jw6.us/james/calmirror/internal/gcal"
	"gitea.jw6.us/james/calmirror/internal/store"
	"gitea.jw6.us/james/calmirror/internal/sync"
)

// Events created locally land on the user's primary remote calendar.
const defaultCalendarID = "primary"

// ErrMissingRemoteID indicates a scheduled event that should have a remote
// counterpart but doesn't, so there is nothing to update or delete remotely.
var ErrMissingRemoteID = errors.New("event: scheduled event has no remote id")

// InconsistencyError reports a local write that failed after its remote
// counterpart already succeeded. The two calendars disagree until the next
// import reconciles them.
type InconsistencyError struct {
	Op       string
	EventID  string
	RemoteID string
	Err      error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("event: %s succeeded remotely but failed locally (event=%s remote=%s): %v",
		e.Op, e.EventID, e.RemoteID, e.Err)
}

func (e *InconsistencyError) Unwrap() error { return e.Err }

// remoteOp is the remote-side action a local edit requires.
type remoteOp int

const (
	remoteNone remoteOp = iota
	remoteCreate
	remoteUpdate
	remoteDelete
)

// planRemote decides what the remote calendar needs for an update. Someday
// events live only locally; scheduling one creates its remote counterpart,
// and shelving a scheduled event removes it.
func planRemote(existing, updated store.Event) remoteOp {
	switch {
	case existing.Someday && updated.Someday:
		return remoteNone
	case existing.Someday && !updated.Someday:
		return remoteCreate
	case !existing.Someday && updated.Someday:
		return remoteDelete
	default:
		return remoteUpdate
	}
}

// Service is the write path for local events.
type Service struct {
	events  store.EventRepository
	clients sync.ClientProvider
}

func NewService(events store.EventRepository, clients sync.ClientProvider) *Service {
	return &Service{events: events, clients: clients}
}

// Create stores a new event. Someday events are local-only; anything else is
// created remotely first and mirrored with the remote id it came back with.
func (s *Service) Create(ctx context.Context, userID int64, e store.Event) (*store.Event, error) {
	e.ID = uuid.NewString()
	e.UserID = userID
	e.Origin = store.OriginLocal
	if e.Priority == "" {
		e.Priority = store.PriorityUnassigned
	}
	if e.CalendarID == "" {
		e.CalendarID = defaultCalendarID
	}

	if e.Someday {
		e.RemoteID = ""
		return s.events.Insert(ctx, e)
	}

	client, err := s.clients.ClientFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	created, err := client.CreateEvent(ctx, e.CalendarID, gcal.ToRemote(e))
	if err != nil {
		return nil, fmt.Errorf("create remote event: %w", err)
	}
	e.RemoteID = created.Id

	stored, err := s.events.Insert(ctx, e)
	if err != nil {
		ierr := &InconsistencyError{Op: "create", EventID: e.ID, RemoteID: e.RemoteID, Err: err}
		log.Printf("[ERROR] %v", ierr)
		return nil, ierr
	}
	return stored, nil
}

// Update replaces an event, syncing the remote side first when the change
// touches a scheduled event.
func (s *Service) Update(ctx context.Context, userID int64, id string, updated store.Event) (*store.Event, error) {
	existing, err := s.events.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	updated.UserID = userID
	updated.RemoteID = existing.RemoteID
	updated.Origin = existing.Origin
	if updated.CalendarID == "" {
		updated.CalendarID = existing.CalendarID
	}
	if updated.CalendarID == "" {
		updated.CalendarID = defaultCalendarID
	}

	switch planRemote(*existing, updated) {
	case remoteNone:

	case remoteCreate:
		client, err := s.clients.ClientFor(ctx, userID)
		if err != nil {
			return nil, err
		}
		created, err := client.CreateEvent(ctx, updated.CalendarID, gcal.ToRemote(updated))
		if err != nil {
			return nil, fmt.Errorf("create remote event: %w", err)
		}
		updated.RemoteID = created.Id

	case remoteUpdate:
		if existing.RemoteID == "" {
			return nil, ErrMissingRemoteID
		}
		client, err := s.clients.ClientFor(ctx, userID)
		if err != nil {
			return nil, err
		}
		if _, err := client.UpdateEvent(ctx, updated.CalendarID, existing.RemoteID, gcal.ToRemote(updated)); err != nil {
			return nil, fmt.Errorf("update remote event %s: %w", existing.RemoteID, err)
		}

	case remoteDelete:
		if existing.RemoteID != "" {
			client, err := s.clients.ClientFor(ctx, userID)
			if err != nil {
				return nil, err
			}
			err = client.DeleteEvent(ctx, existing.CalendarID, existing.RemoteID)
			if err != nil && !gcal.IsNotFound(err) {
				return nil, fmt.Errorf("delete remote event %s: %w", existing.RemoteID, err)
			}
		}
		updated.RemoteID = ""
	}

	stored, err := s.events.Replace(ctx, userID, id, updated)
	if err != nil {
		ierr := &InconsistencyError{Op: "update", EventID: id, RemoteID: updated.RemoteID, Err: err}
		log.Printf("[ERROR] %v", ierr)
		return nil, ierr
	}
	return stored, nil
}

// Delete removes an event locally and, for scheduled events, remotely first.
// A remote 404 is fine: the event is already gone over there.
func (s *Service) Delete(ctx context.Context, userID int64, id string) error {
	existing, err := s.events.GetByID(ctx, userID, id)
	if err != nil {
		return err
	}

	if existing.RemoteID == "" {
		if !existing.Someday {
			return ErrMissingRemoteID
		}
	} else {
		client, err := s.clients.ClientFor(ctx, userID)
		if err != nil {
			return err
		}
		err = client.DeleteEvent(ctx, existing.CalendarID, existing.RemoteID)
		if err != nil && !gcal.IsNotFound(err) {
			return fmt.Errorf("delete remote event %s: %w", existing.RemoteID, err)
		}
	}

	if err := s.events.DeleteByID(ctx, userID, id); err != nil {
		ierr := &InconsistencyError{Op: "delete", EventID: id, RemoteID: existing.RemoteID, Err: err}
		log.Printf("[ERROR] %v", ierr)
		return ierr
	}
	return nil
}

// Get fetches one event.
func (s *Service) Get(ctx context.Context, userID int64, id string) (*store.Event, error) {
	return s.events.GetByID(ctx, userID, id)
}

// List returns the user's events, filtered.
func (s *Service) List(ctx context.Context, userID int64, filter store.EventFilter) ([]store.Event, error) {
	return s.events.ListByUser(ctx, userID, filter)
}

// DeleteAll wipes the user's local events. Remote events are left alone; a
// later full import rebuilds the mirror.
func (s *Service) DeleteAll(ctx context.Context, userID int64) (int, error) {
	return s.events.DeleteAllByUser(ctx, userID)
}
