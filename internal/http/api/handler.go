// Package api implements the JSON API and the push notification webhook.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/calmirror/internal/auth"
	"gitea.jw6.us/james/calmirror/internal/event"
	"gitea.jw6.us/james/calmirror/internal/gcal"
	httperrors "gitea.jw6.us/james/calmirror/internal/http/errors"
	"gitea.jw6.us/james/calmirror/internal/store"
	"gitea.jw6.us/james/calmirror/internal/sync"
)

// Notification delivery headers.
const (
	headerChannelID     = "X-Goog-Channel-Id"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerExpiration    = "X-Goog-Channel-Expiration"
	headerResourceID    = "X-Goog-Resource-Id"
	headerResourceState = "X-Goog-Resource-State"
)

// Notifier processes push notifications; satisfied by sync.Router.
type Notifier interface {
	Handle(ctx context.Context, n sync.Notification) error
}

// Handler serves the JSON API and the sync webhook.
type Handler struct {
	events       *event.Service
	importer     *sync.Importer
	channels     *sync.ChannelManager
	notify       Notifier
	webhookToken string
}

func NewHandler(events *event.Service, importer *sync.Importer, channels *sync.ChannelManager, notify Notifier, webhookToken string) *Handler {
	return &Handler{
		events:       events,
		importer:     importer,
		channels:     channels,
		notify:       notify,
		webhookToken: webhookToken,
	}
}

// Notifications is the push webhook. It always answers 200 for notifications
// we cannot act on (unknown channels, revoked users) so the remote service
// stops redelivering them; only transient failures return 5xx.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(headerChannelToken)
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.webhookToken)) != 1 {
		httperrors.LogError(r, "webhook token mismatch", nil)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	n := sync.Notification{
		ChannelID:     r.Header.Get(headerChannelID),
		ResourceID:    r.Header.Get(headerResourceID),
		ResourceState: r.Header.Get(headerResourceState),
		Expiration:    r.Header.Get(headerExpiration),
	}

	err := h.notify.Handle(r.Context(), n)
	switch {
	case err == nil, errors.Is(err, sync.ErrUnknownChannel), errors.Is(err, sync.ErrAccessRevoked):
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, sync.ErrMissingResourceID):
		httperrors.BadRequestError(w, r, err, "missing resource id")
	default:
		httperrors.InternalError(w, r, err, "handle notification")
	}
}

type eventPayload struct {
	ID          string    `json:"id,omitempty"`
	RemoteID    string    `json:"remoteId,omitempty"`
	CalendarID  string    `json:"calendarId,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StartsAt    time.Time `json:"startsAt,omitempty"`
	EndsAt      time.Time `json:"endsAt,omitempty"`
	AllDay      bool      `json:"allDay,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	Someday     bool      `json:"someday,omitempty"`
	Origin      string    `json:"origin,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

func toPayload(e store.Event) eventPayload {
	return eventPayload{
		ID:          e.ID,
		RemoteID:    e.RemoteID,
		CalendarID:  e.CalendarID,
		Title:       e.Title,
		Description: e.Description,
		StartsAt:    e.StartsAt,
		EndsAt:      e.EndsAt,
		AllDay:      e.AllDay,
		Priority:    e.Priority,
		Someday:     e.Someday,
		Origin:      e.Origin,
		UpdatedAt:   e.UpdatedAt,
	}
}

func (p eventPayload) toEvent() store.Event {
	return store.Event{
		CalendarID:  p.CalendarID,
		Title:       p.Title,
		Description: p.Description,
		StartsAt:    p.StartsAt,
		EndsAt:      p.EndsAt,
		AllDay:      p.AllDay,
		Priority:    p.Priority,
		Someday:     p.Someday,
	}
}

// ListEvents returns the session user's events. Supports someday=true|false,
// from/until (RFC 3339) and limit query parameters.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var filter store.EventFilter
	q := r.URL.Query()
	if v := q.Get("someday"); v != "" {
		someday := v == "true"
		filter.Someday = &someday
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httperrors.BadRequestError(w, r, err, "invalid from timestamp")
			return
		}
		filter.From = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httperrors.BadRequestError(w, r, err, "invalid until timestamp")
			return
		}
		filter.Until = t
	}

	events, err := h.events.List(r.Context(), user.ID, filter)
	if err != nil {
		httperrors.InternalError(w, r, err, "list events")
		return
	}

	payload := make([]eventPayload, 0, len(events))
	for _, e := range events {
		payload = append(payload, toPayload(e))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	e, err := h.events.Get(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err, "get event")
		return
	}
	writeJSON(w, http.StatusOK, toPayload(*e))
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var p eventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid event payload")
		return
	}
	if p.Title == "" {
		httperrors.BadRequestError(w, r, nil, "title is required")
		return
	}

	created, err := h.events.Create(r.Context(), user.ID, p.toEvent())
	if err != nil {
		h.writeDomainError(w, r, err, "create event")
		return
	}
	writeJSON(w, http.StatusCreated, toPayload(*created))
}

func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var p eventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid event payload")
		return
	}

	updated, err := h.events.Update(r.Context(), user.ID, chi.URLParam(r, "id"), p.toEvent())
	if err != nil {
		h.writeDomainError(w, r, err, "update event")
		return
	}
	writeJSON(w, http.StatusOK, toPayload(*updated))
}

func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if err := h.events.Delete(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, err, "delete event")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Import mirrors the user's calendars: a full import of every calendar by
// default, or an incremental pass over the watched ones with ?kind=incremental.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var (
		results []sync.Result
		err     error
	)
	switch kind := r.URL.Query().Get("kind"); kind {
	case "", sync.KindFull:
		results, err = h.importer.FullImport(r.Context(), user.ID)
	case sync.KindIncremental:
		results, err = h.importer.IncrementalImport(r.Context(), user.ID)
	default:
		httperrors.BadRequestError(w, r, nil, "unknown import kind "+kind)
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err, "import")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type watchRequest struct {
	CalendarID string `json:"calendarId"`
}

// StartWatch opens watch channels: for one calendar when the body names one,
// otherwise for the whole calendar list.
func (h *Handler) StartWatch(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req watchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httperrors.BadRequestError(w, r, err, "invalid watch payload")
			return
		}
	}

	if req.CalendarID != "" {
		state, err := h.channels.StartWatching(r.Context(), user.ID, req.CalendarID)
		if err != nil {
			h.writeDomainError(w, r, err, "start watch")
			return
		}
		writeJSON(w, http.StatusCreated, state)
		return
	}

	watched, err := h.channels.StartWatchingAll(r.Context(), user.ID)
	if err != nil {
		h.writeDomainError(w, r, err, "start watches")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"calendars": watched})
}

// StopWatch closes watch channels: one calendar's, or all of them.
func (h *Handler) StopWatch(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req watchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httperrors.BadRequestError(w, r, err, "invalid watch payload")
			return
		}
	}

	if req.CalendarID != "" {
		if err := h.channels.StopWatching(r.Context(), user.ID, req.CalendarID); err != nil {
			h.writeDomainError(w, r, err, "stop watch")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	stopped, err := h.channels.StopAll(r.Context(), user.ID)
	if err != nil {
		h.writeDomainError(w, r, err, "stop watches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

// RefreshWatches replaces all of the user's watch channels with fresh ones.
func (h *Handler) RefreshWatches(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	refreshed, err := h.channels.RefreshUser(r.Context(), user.ID)
	if err != nil {
		h.writeDomainError(w, r, err, "refresh watches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": refreshed})
}

// DeleteAllEvents wipes the user's local mirror. Remote events stay; the next
// full import rebuilds the mirror from them.
func (h *Handler) DeleteAllEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	n, err := h.events.DeleteAll(r.Context(), user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "delete all events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, sync.ErrChannelNotFound),
		errors.Is(err, sync.ErrNoActiveWatches):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, sync.ErrWatchExists):
		http.Error(w, "watch already exists", http.StatusConflict)
	case errors.Is(err, event.ErrMissingRemoteID):
		http.Error(w, "event has no remote counterpart", http.StatusConflict)
	case errors.Is(err, sync.ErrAccessRevoked), gcal.IsAccessRevoked(err):
		httperrors.LogError(r, op+": access revoked", err)
		http.Error(w, "calendar access revoked, sign in again", http.StatusUnauthorized)
	case gcal.IsRateLimited(err):
		httperrors.LogError(r, op+": rate limited", err)
		http.Error(w, "rate limited by the calendar service", http.StatusTooManyRequests)
	default:
		httperrors.InternalError(w, r, err, op)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
