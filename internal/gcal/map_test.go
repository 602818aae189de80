package gcal

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calmirror/internal/store"
)

func TestToLocalTimedEvent(t *testing.T) {
	remote := &calendar.Event{
		Id:          "remote-1",
		Summary:     "Dentist",
		Description: "bring insurance card",
		Start:       &calendar.EventDateTime{DateTime: "2026-03-02T09:30:00+01:00"},
		End:         &calendar.EventDateTime{DateTime: "2026-03-02T10:00:00+01:00"},
	}

	e, err := ToLocal(7, "primary", remote)
	if err != nil {
		t.Fatalf("ToLocal: %v", err)
	}
	if e.ID == "" {
		t.Error("expected a generated local id")
	}
	if e.UserID != 7 || e.RemoteID != "remote-1" || e.CalendarID != "primary" {
		t.Errorf("identity fields wrong: %+v", e)
	}
	if e.Title != "Dentist" || e.Description != "bring insurance card" {
		t.Errorf("content fields wrong: %+v", e)
	}
	if e.AllDay {
		t.Error("timed event must not be all-day")
	}
	want := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	if !e.StartsAt.Equal(want) {
		t.Errorf("StartsAt = %v, want %v", e.StartsAt, want)
	}
	if e.Origin != store.OriginRemote {
		t.Errorf("Origin = %q, want %q", e.Origin, store.OriginRemote)
	}
	if e.Priority != store.PriorityUnassigned {
		t.Errorf("Priority = %q, want %q", e.Priority, store.PriorityUnassigned)
	}
}

func TestToLocalAllDayEvent(t *testing.T) {
	remote := &calendar.Event{
		Id:    "remote-2",
		Start: &calendar.EventDateTime{Date: "2026-03-05"},
		End:   &calendar.EventDateTime{Date: "2026-03-06"},
	}

	e, err := ToLocal(7, "primary", remote)
	if err != nil {
		t.Fatalf("ToLocal: %v", err)
	}
	if !e.AllDay {
		t.Error("date-only event must be all-day")
	}
	if e.Title != "untitled" {
		t.Errorf("missing summary should default to untitled, got %q", e.Title)
	}
	if !e.StartsAt.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("StartsAt = %v", e.StartsAt)
	}
}

func TestToLocalRejectsMissingID(t *testing.T) {
	_, err := ToLocal(7, "primary", &calendar.Event{Summary: "no id"})
	if !errors.Is(err, ErrInvalidRemoteEvent) {
		t.Fatalf("expected ErrInvalidRemoteEvent, got %v", err)
	}
	_, err = ToLocal(7, "primary", nil)
	if !errors.Is(err, ErrInvalidRemoteEvent) {
		t.Fatalf("expected ErrInvalidRemoteEvent for nil event, got %v", err)
	}
}

func TestToLocalRejectsBadTimestamp(t *testing.T) {
	remote := &calendar.Event{
		Id:    "remote-3",
		Start: &calendar.EventDateTime{DateTime: "yesterdayish"},
	}
	if _, err := ToLocal(7, "primary", remote); !errors.Is(err, ErrInvalidRemoteEvent) {
		t.Fatalf("expected ErrInvalidRemoteEvent, got %v", err)
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(&calendar.Event{Id: "x", Status: "cancelled"}) {
		t.Error("cancelled status must classify as cancelled")
	}
	if IsCancelled(&calendar.Event{Id: "x", Status: "confirmed"}) {
		t.Error("confirmed status must not classify as cancelled")
	}
	if IsCancelled(nil) {
		t.Error("nil event must not classify as cancelled")
	}
}

func TestToRemoteTimed(t *testing.T) {
	local := store.Event{
		Title:       "Standup",
		Description: "daily",
		StartsAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EndsAt:      time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC),
	}

	remote := ToRemote(local)
	if remote.Summary != "Standup" || remote.Description != "daily" {
		t.Errorf("content fields wrong: %+v", remote)
	}
	if remote.Start.DateTime != "2026-03-02T09:00:00Z" {
		t.Errorf("Start.DateTime = %q", remote.Start.DateTime)
	}
	if remote.Start.Date != "" {
		t.Error("timed event must not carry a bare date")
	}
}

func TestToRemoteAllDay(t *testing.T) {
	local := store.Event{
		Title:    "Conference",
		AllDay:   true,
		StartsAt: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
	}

	remote := ToRemote(local)
	if remote.Start.Date != "2026-03-05" || remote.End.Date != "2026-03-06" {
		t.Errorf("all-day dates wrong: start=%+v end=%+v", remote.Start, remote.End)
	}
	if remote.Start.DateTime != "" {
		t.Error("all-day event must not carry a timestamp")
	}
}
