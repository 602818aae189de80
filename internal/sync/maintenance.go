package sync

import (
	"context"
	"errors"
	"log"
	"time"

	"gitea.jw6.us/james/calmirror/internal/metrics"
	"gitea.jw6.us/james/calmirror/internal/store"
)

// Maintainer periodically replaces watch channels that are about to expire.
// The push service never renews channels on its own; without this loop every
// channel goes silent after its TTL.
type Maintainer struct {
	syncs    store.SyncRepository
	channels *ChannelManager
	interval time.Duration
	window   time.Duration

	now func() time.Time
}

func NewMaintainer(syncs store.SyncRepository, channels *ChannelManager, interval, window time.Duration) *Maintainer {
	return &Maintainer{
		syncs:    syncs,
		channels: channels,
		interval: interval,
		window:   window,
		now:      time.Now,
	}
}

// Run blocks, refreshing expiring channels once per interval until the
// context is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RefreshExpiring(ctx); err != nil {
				log.Printf("[ERROR] sync: channel refresh sweep: %v", err)
			}
		}
	}
}

// RefreshExpiring replaces every channel expiring inside the refresh window.
// Each channel is handled independently; one user's revoked grant never
// blocks another user's refresh.
func (m *Maintainer) RefreshExpiring(ctx context.Context) error {
	refs, err := m.syncs.ListExpiring(ctx, m.now().Add(m.window))
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	log.Printf("[INFO] sync: refreshing %d expiring channels", len(refs))

	var errs []error
	for _, ref := range refs {
		err := m.channels.Refresh(ctx, ref)
		switch {
		case err == nil:
			metrics.CountChannelRefresh("ok")
		case errors.Is(err, ErrAccessRevoked):
			metrics.CountChannelRefresh("revoked")
			log.Printf("[WARN] sync: refresh dropped revoked user=%d calendar=%s", ref.UserID, ref.CalendarID)
		default:
			metrics.CountChannelRefresh("error")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
