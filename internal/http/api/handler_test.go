package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"gitea.jw6.us/james/calmirror/internal/sync"
)

type fakeNotifier struct {
	err  error
	seen []sync.Notification
}

func (f *fakeNotifier) Handle(ctx context.Context, n sync.Notification) error {
	f.seen = append(f.seen, n)
	return f.err
}

func webhookRequest(token, state, resourceID string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/sync/notifications", nil)
	r.Header.Set("X-Goog-Channel-Id", "chan-1")
	r.Header.Set("X-Goog-Channel-Token", token)
	r.Header.Set("X-Goog-Resource-Id", resourceID)
	r.Header.Set("X-Goog-Resource-State", state)
	return r
}

func newWebhookHandler(n Notifier) *Handler {
	return NewHandler(nil, nil, nil, n, "hook-secret")
}

func TestNotificationsRejectsBadToken(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newWebhookHandler(notifier)

	w := httptest.NewRecorder()
	h.Notifications(w, webhookRequest("wrong-token", "exists", "res-1"))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if len(notifier.seen) != 0 {
		t.Error("notification must not be processed with a bad token")
	}
}

func TestNotificationsAcceptsValidNotification(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newWebhookHandler(notifier)

	w := httptest.NewRecorder()
	h.Notifications(w, webhookRequest("hook-secret", "exists", "res-1"))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if len(notifier.seen) != 1 {
		t.Fatalf("notifications processed = %d, want 1", len(notifier.seen))
	}
	n := notifier.seen[0]
	if n.ChannelID != "chan-1" || n.ResourceID != "res-1" || n.ResourceState != "exists" {
		t.Errorf("notification = %+v", n)
	}
}

func TestNotificationsUnknownChannelStillAcknowledged(t *testing.T) {
	notifier := &fakeNotifier{err: sync.ErrUnknownChannel}
	h := newWebhookHandler(notifier)

	w := httptest.NewRecorder()
	h.Notifications(w, webhookRequest("hook-secret", "exists", "res-gone"))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 so the push service stops retrying", w.Code)
	}
}

func TestNotificationsRevokedStillAcknowledged(t *testing.T) {
	notifier := &fakeNotifier{err: sync.ErrAccessRevoked}
	h := newWebhookHandler(notifier)

	w := httptest.NewRecorder()
	h.Notifications(w, webhookRequest("hook-secret", "exists", "res-1"))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNotificationsMissingResourceID(t *testing.T) {
	notifier := &fakeNotifier{err: sync.ErrMissingResourceID}
	h := newWebhookHandler(notifier)

	w := httptest.NewRecorder()
	h.Notifications(w, webhookRequest("hook-secret", "exists", ""))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestNotificationsTransientFailureIs500(t *testing.T) {
	notifier := &fakeNotifier{err: context.DeadlineExceeded}
	h := newWebhookHandler(notifier)

	w := httptest.NewRecorder()
	h.Notifications(w, webhookRequest("hook-secret", "exists", "res-1"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 so the push service redelivers", w.Code)
	}
}
