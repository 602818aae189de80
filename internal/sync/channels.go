package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gitea.jw6.us/james/calmirror/internal/gcal"
	"gitea.jw6.us/james/calmirror/internal/store"
)

// ClientProvider yields a remote calendar client authenticated as the given
// user.
type ClientProvider interface {
	ClientFor(ctx context.Context, userID int64) (gcal.Client, error)
}

// ChannelManager owns the watch channel lifecycle: opening channels, stopping
// them, and replacing the ones about to expire.
type ChannelManager struct {
	syncs   store.SyncRepository
	tokens  store.TokenRepository
	clients ClientProvider
	ttl     time.Duration

	now func() time.Time
}

func NewChannelManager(syncs store.SyncRepository, tokens store.TokenRepository, clients ClientProvider, ttl time.Duration) *ChannelManager {
	return &ChannelManager{
		syncs:   syncs,
		tokens:  tokens,
		clients: clients,
		ttl:     ttl,
		now:     time.Now,
	}
}

// StartWatching opens a watch channel for one calendar. A live channel for
// the same calendar yields ErrWatchExists; a stale one is replaced.
func (m *ChannelManager) StartWatching(ctx context.Context, userID int64, calendarID string) (store.ChannelState, error) {
	now := m.now()

	rec, err := m.syncs.Get(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.ChannelState{}, err
	}

	var syncToken string
	if rec != nil {
		if existing, ok := rec.Channel(calendarID); ok {
			if existing.ChannelID != "" && !existing.Stale(now) {
				return store.ChannelState{}, ErrWatchExists
			}
			// Keep the incremental cursor across channel generations.
			syncToken = existing.SyncToken
		}
	}

	client, err := m.clients.ClientFor(ctx, userID)
	if err != nil {
		return store.ChannelState{}, err
	}

	state := store.ChannelState{
		ChannelID:  uuid.NewString(),
		Expiration: now.Add(m.ttl),
		SyncToken:  syncToken,
	}

	resourceID, err := client.Watch(ctx, calendarID, state.ChannelID, state.Expiration)
	if err != nil {
		if gcal.IsAccessRevoked(err) {
			return store.ChannelState{}, m.revoke(ctx, userID, err)
		}
		return store.ChannelState{}, fmt.Errorf("watch calendar %s: %w", calendarID, err)
	}
	if resourceID == "" {
		return store.ChannelState{}, ErrMissingResourceID
	}
	state.ResourceID = resourceID

	if err := m.syncs.SetChannel(ctx, userID, calendarID, state); err != nil {
		return store.ChannelState{}, err
	}

	log.Printf("[INFO] sync: watching user=%d calendar=%s channel=%s until=%s",
		userID, calendarID, state.ChannelID, state.Expiration.Format(time.RFC3339))
	return state, nil
}

// StartWatchingAll opens watch channels for every calendar in the user's
// calendar list. Calendars already being watched are skipped. Returns the
// ids of the calendars now under watch.
func (m *ChannelManager) StartWatchingAll(ctx context.Context, userID int64) ([]string, error) {
	client, err := m.clients.ClientFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	calendarIDs, err := listAllCalendars(ctx, m.syncs, client, userID)
	if err != nil {
		if gcal.IsAccessRevoked(err) {
			return nil, m.revoke(ctx, userID, err)
		}
		return nil, err
	}

	var (
		watched []string
		errs    []error
	)
	for _, calendarID := range calendarIDs {
		_, err := m.StartWatching(ctx, userID, calendarID)
		switch {
		case err == nil, errors.Is(err, ErrWatchExists):
			watched = append(watched, calendarID)
		case errors.Is(err, ErrAccessRevoked):
			return watched, err
		default:
			errs = append(errs, fmt.Errorf("calendar %s: %w", calendarID, err))
		}
	}
	return watched, errors.Join(errs...)
}

// StopWatching closes the channel for one calendar and drops its state.
func (m *ChannelManager) StopWatching(ctx context.Context, userID int64, calendarID string) error {
	rec, err := m.syncs.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrChannelNotFound
	}
	if err != nil {
		return err
	}
	channel, ok := rec.Channel(calendarID)
	if !ok || channel.ChannelID == "" {
		return ErrChannelNotFound
	}

	client, err := m.clients.ClientFor(ctx, userID)
	if err != nil {
		return err
	}

	err = client.StopChannel(ctx, channel.ChannelID, channel.ResourceID)
	switch {
	case err == nil:
		return m.syncs.DeleteChannelByID(ctx, userID, channel.ChannelID)
	case gcal.IsAccessRevoked(err):
		return m.revoke(ctx, userID, err)
	case gcal.IsNotFound(err):
		// The remote side already forgot the channel; drop our state and
		// report it so callers can log, but nothing is broken.
		if derr := m.syncs.DeleteChannelByID(ctx, userID, channel.ChannelID); derr != nil {
			return derr
		}
		return ErrChannelNotFound
	default:
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}
}

// StopAll closes every watch channel the user has and returns how many were
// stopped.
func (m *ChannelManager) StopAll(ctx context.Context, userID int64) (int, error) {
	rec, err := m.syncs.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNoActiveWatches
	}
	if err != nil {
		return 0, err
	}

	var calendarIDs []string
	for calendarID, channel := range rec.EventChannels {
		if channel.ChannelID != "" {
			calendarIDs = append(calendarIDs, calendarID)
		}
	}
	if len(calendarIDs) == 0 {
		return 0, ErrNoActiveWatches
	}

	stopped := 0
	var errs []error
	for _, calendarID := range calendarIDs {
		err := m.StopWatching(ctx, userID, calendarID)
		switch {
		case err == nil, errors.Is(err, ErrChannelNotFound):
			stopped++
		case errors.Is(err, ErrAccessRevoked):
			return stopped, err
		default:
			errs = append(errs, fmt.Errorf("calendar %s: %w", calendarID, err))
		}
	}
	return stopped, errors.Join(errs...)
}

// Refresh replaces a channel nearing expiration with a fresh one, keeping
// the calendar's sync token.
func (m *ChannelManager) Refresh(ctx context.Context, ref store.ChannelRef) error {
	client, err := m.clients.ClientFor(ctx, ref.UserID)
	if err != nil {
		return err
	}

	if ref.State.ChannelID != "" {
		err := client.StopChannel(ctx, ref.State.ChannelID, ref.State.ResourceID)
		switch {
		case err == nil, gcal.IsNotFound(err):
		case gcal.IsAccessRevoked(err):
			return m.revoke(ctx, ref.UserID, err)
		default:
			return fmt.Errorf("%w: %v", ErrStopFailed, err)
		}
	}

	now := m.now()
	state := store.ChannelState{
		ChannelID:   uuid.NewString(),
		Expiration:  now.Add(m.ttl),
		SyncToken:   ref.State.SyncToken,
		RefreshedAt: now,
	}

	resourceID, err := client.Watch(ctx, ref.CalendarID, state.ChannelID, state.Expiration)
	if err != nil {
		if gcal.IsAccessRevoked(err) {
			return m.revoke(ctx, ref.UserID, err)
		}
		return fmt.Errorf("watch calendar %s: %w", ref.CalendarID, err)
	}
	if resourceID == "" {
		return ErrMissingResourceID
	}
	state.ResourceID = resourceID

	return m.syncs.SetChannel(ctx, ref.UserID, ref.CalendarID, state)
}

// RefreshUser replaces every watch channel the user has, regardless of how
// close each one is to expiry. Returns the refreshed calendar ids.
func (m *ChannelManager) RefreshUser(ctx context.Context, userID int64) ([]string, error) {
	rec, err := m.syncs.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveWatches
	}
	if err != nil {
		return nil, err
	}

	var (
		refreshed []string
		errs      []error
	)
	for calendarID, channel := range rec.EventChannels {
		if channel.ChannelID == "" {
			continue
		}
		err := m.Refresh(ctx, store.ChannelRef{UserID: userID, CalendarID: calendarID, State: channel})
		switch {
		case err == nil:
			refreshed = append(refreshed, calendarID)
		case errors.Is(err, ErrAccessRevoked):
			return refreshed, err
		default:
			errs = append(errs, fmt.Errorf("calendar %s: %w", calendarID, err))
		}
	}
	if len(refreshed) == 0 && len(errs) == 0 {
		return nil, ErrNoActiveWatches
	}
	return refreshed, errors.Join(errs...)
}

// Teardown drops all sync state and the stored OAuth token for a user whose
// grant is gone.
func (m *ChannelManager) Teardown(ctx context.Context, userID int64) error {
	return errors.Join(
		m.syncs.Delete(ctx, userID),
		m.tokens.Delete(ctx, userID),
	)
}

func (m *ChannelManager) revoke(ctx context.Context, userID int64, cause error) error {
	log.Printf("[WARN] sync: access revoked for user=%d, tearing down sync state: %v", userID, cause)
	if err := m.Teardown(ctx, userID); err != nil {
		log.Printf("[ERROR] sync: teardown for user=%d: %v", userID, err)
	}
	return ErrAccessRevoked
}

// listAllCalendars pages through the user's calendar list, storing the list
// sync token when the final page carries one.
func listAllCalendars(ctx context.Context, syncs store.SyncRepository, client gcal.Client, userID int64) ([]string, error) {
	var (
		ids  []string
		opts gcal.ListOptions
	)
	for {
		page, err := client.ListCalendars(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list calendars: %w", err)
		}
		ids = append(ids, page.IDs...)
		if page.NextPageToken == "" {
			if page.NextSyncToken != "" {
				if err := syncs.SetCalendarListToken(ctx, userID, page.NextSyncToken); err != nil {
					return nil, err
				}
			}
			return ids, nil
		}
		opts.PageToken = page.NextPageToken
	}
}
