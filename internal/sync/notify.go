package sync

import (
	"context"
	"errors"
	"log"

	"gitea.jw6.us/james/calmirror/internal/metrics"
	"gitea.jw6.us/james/calmirror/internal/store"
)

// ResourceState values the push service sends.
const (
	// StateSync is the handshake delivered right after a channel opens.
	StateSync = "sync"
	// StateExists signals the watched resource changed.
	StateExists = "exists"
)

// Notification is one push message from the remote calendar service,
// extracted from its delivery headers.
type Notification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
	Expiration    string
}

// Router resolves incoming notifications to a user and calendar and runs the
// incremental import that picks up whatever changed.
type Router struct {
	syncs    store.SyncRepository
	importer *Importer
}

func NewRouter(syncs store.SyncRepository, importer *Importer) *Router {
	return &Router{syncs: syncs, importer: importer}
}

// Handle processes one notification. The handshake message is acknowledged
// without any import; a notification for a channel we no longer track yields
// ErrUnknownChannel, which callers should treat as success so the remote
// side stops retrying.
func (r *Router) Handle(ctx context.Context, n Notification) error {
	if n.ResourceState == StateSync {
		log.Printf("[INFO] sync: channel handshake channel=%s resource=%s expires=%s",
			n.ChannelID, n.ResourceID, n.Expiration)
		metrics.CountNotification("handshake")
		return nil
	}
	if n.ResourceID == "" {
		metrics.CountNotification("invalid")
		return ErrMissingResourceID
	}

	ref, err := r.syncs.FindByResourceID(ctx, n.ResourceID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[WARN] sync: notification for unknown resource=%s channel=%s", n.ResourceID, n.ChannelID)
		metrics.CountNotification("unknown")
		return ErrUnknownChannel
	}
	if err != nil {
		metrics.CountNotification("error")
		return err
	}

	res, err := r.importer.ImportCalendar(ctx, ref.UserID, ref.CalendarID)
	if err != nil {
		metrics.CountNotification("error")
		return err
	}

	log.Printf("[INFO] sync: notification handled user=%d calendar=%s kind=%s upserted=%d deleted=%d",
		ref.UserID, ref.CalendarID, res.Kind, res.Upserted, res.Deleted)
	metrics.CountNotification("ok")
	return nil
}
