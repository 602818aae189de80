package sync

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calmirror/internal/gcal"
	"gitea.jw6.us/james/calmirror/internal/metrics"
	"gitea.jw6.us/james/calmirror/internal/store"
)

const importConcurrency = 4

// Import kinds.
const (
	KindFull        = "full"
	KindIncremental = "incremental"
)

// Result summarizes one import run for one calendar.
type Result struct {
	CalendarID string `json:"calendarId"`
	Kind       string `json:"kind"`
	Upserted   int    `json:"upserted"`
	Deleted    int    `json:"deleted"`
}

// Importer pulls remote events into the local mirror, either wholesale or
// incrementally from a stored sync token.
type Importer struct {
	syncs   store.SyncRepository
	events  store.EventRepository
	tokens  store.TokenRepository
	clients ClientProvider
}

func NewImporter(syncs store.SyncRepository, events store.EventRepository, tokens store.TokenRepository, clients ClientProvider) *Importer {
	return &Importer{syncs: syncs, events: events, tokens: tokens, clients: clients}
}

// FullImport walks the user's whole calendar list and mirrors every calendar,
// a few at a time. Per-calendar failures don't abort the siblings; the first
// failure is reported after all calendars have run.
func (i *Importer) FullImport(ctx context.Context, userID int64) ([]Result, error) {
	client, err := i.clients.ClientFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	calendarIDs, err := listAllCalendars(ctx, i.syncs, client, userID)
	if err != nil {
		if gcal.IsAccessRevoked(err) {
			return nil, i.revoke(ctx, userID, err)
		}
		return nil, err
	}

	results := make([]Result, len(calendarIDs))
	var g errgroup.Group
	g.SetLimit(importConcurrency)
	for idx, calendarID := range calendarIDs {
		idx, calendarID := idx, calendarID
		g.Go(func() error {
			res, err := i.importFull(ctx, client, userID, calendarID)
			if err != nil {
				metrics.CountImport(KindFull, "error")
				return fmt.Errorf("import calendar %s: %w", calendarID, err)
			}
			metrics.CountImport(KindFull, "ok")
			results[idx] = res
			return nil
		})
	}
	err = g.Wait()
	if gcal.IsAccessRevoked(err) {
		return results, i.revoke(ctx, userID, err)
	}
	return results, err
}

// IncrementalImport walks every calendar the user is actively watching and
// imports each one incrementally. Per-calendar failures don't abort the
// siblings; a revoked grant does.
func (i *Importer) IncrementalImport(ctx context.Context, userID int64) ([]Result, error) {
	rec, err := i.syncs.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveWatches
	}
	if err != nil {
		return nil, err
	}

	var calendarIDs []string
	for calendarID, channel := range rec.EventChannels {
		if channel.ChannelID != "" {
			calendarIDs = append(calendarIDs, calendarID)
		}
	}
	if len(calendarIDs) == 0 {
		return nil, ErrNoActiveWatches
	}

	results := make([]Result, 0, len(calendarIDs))
	var errs []error
	for _, calendarID := range calendarIDs {
		res, err := i.ImportCalendar(ctx, userID, calendarID)
		switch {
		case err == nil:
			results = append(results, res)
		case errors.Is(err, ErrAccessRevoked):
			return results, err
		default:
			errs = append(errs, fmt.Errorf("calendar %s: %w", calendarID, err))
		}
	}
	return results, errors.Join(errs...)
}

// ImportCalendar runs an incremental import for one calendar, falling back
// to a full import when no usable sync token exists or the stored one has
// expired.
func (i *Importer) ImportCalendar(ctx context.Context, userID int64, calendarID string) (Result, error) {
	client, err := i.clients.ClientFor(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	syncToken := ""
	if rec, err := i.syncs.Get(ctx, userID); err == nil {
		if channel, ok := rec.Channel(calendarID); ok {
			syncToken = channel.SyncToken
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	if syncToken == "" {
		res, err := i.importFull(ctx, client, userID, calendarID)
		return i.finish(ctx, userID, res, err)
	}

	res, err := i.importIncremental(ctx, client, userID, calendarID, syncToken)
	if gcal.IsSyncTokenExpired(err) {
		log.Printf("[WARN] sync: expired sync token user=%d calendar=%s, falling back to full import", userID, calendarID)
		res, err = i.importFull(ctx, client, userID, calendarID)
	}
	return i.finish(ctx, userID, res, err)
}

func (i *Importer) finish(ctx context.Context, userID int64, res Result, err error) (Result, error) {
	if err != nil {
		metrics.CountImport(res.Kind, "error")
		if gcal.IsAccessRevoked(err) {
			return res, i.revoke(ctx, userID, err)
		}
		return res, err
	}
	metrics.CountImport(res.Kind, "ok")
	return res, nil
}

func (i *Importer) importFull(ctx context.Context, client gcal.Client, userID int64, calendarID string) (Result, error) {
	res := Result{CalendarID: calendarID, Kind: KindFull}

	opts := gcal.ListOptions{}
	for {
		page, err := client.ListEvents(ctx, calendarID, opts)
		if err != nil {
			return res, err
		}

		upserted, _, err := i.apply(ctx, userID, calendarID, page.Events, false)
		if err != nil {
			return res, err
		}
		res.Upserted += upserted

		if page.NextPageToken == "" {
			if page.NextSyncToken != "" {
				if err := i.syncs.SetSyncToken(ctx, userID, calendarID, page.NextSyncToken); err != nil {
					return res, err
				}
			}
			break
		}
		opts.PageToken = page.NextPageToken
	}

	log.Printf("[INFO] sync: full import user=%d calendar=%s upserted=%d", userID, calendarID, res.Upserted)
	return res, nil
}

func (i *Importer) importIncremental(ctx context.Context, client gcal.Client, userID int64, calendarID, syncToken string) (Result, error) {
	res := Result{CalendarID: calendarID, Kind: KindIncremental}

	opts := gcal.ListOptions{SyncToken: syncToken}
	for {
		page, err := client.ListEvents(ctx, calendarID, opts)
		if err != nil {
			return res, err
		}

		upserted, deleted, err := i.apply(ctx, userID, calendarID, page.Events, true)
		if err != nil {
			return res, err
		}
		res.Upserted += upserted
		res.Deleted += deleted

		if page.NextPageToken == "" {
			if page.NextSyncToken != "" {
				if err := i.syncs.SetSyncToken(ctx, userID, calendarID, page.NextSyncToken); err != nil {
					return res, err
				}
			}
			break
		}
		// Follow-up pages repeat the sync token alongside the page token.
		opts.PageToken = page.NextPageToken
	}

	log.Printf("[INFO] sync: incremental import user=%d calendar=%s upserted=%d deleted=%d",
		userID, calendarID, res.Upserted, res.Deleted)
	return res, nil
}

// apply writes one page of remote changes to the mirror. Cancelled events
// become local deletions when withDeletes is set and are skipped otherwise;
// events that fail conversion are logged and skipped so the page survives.
func (i *Importer) apply(ctx context.Context, userID int64, calendarID string, remote []*calendar.Event, withDeletes bool) (int, int, error) {
	var (
		upserts   []store.Event
		deleteIDs []string
	)
	for _, ev := range remote {
		if gcal.IsCancelled(ev) {
			if withDeletes && ev.Id != "" {
				deleteIDs = append(deleteIDs, ev.Id)
			}
			continue
		}
		local, err := gcal.ToLocal(userID, calendarID, ev)
		if err != nil {
			log.Printf("[WARN] sync: skipping remote event user=%d calendar=%s: %v", userID, calendarID, err)
			continue
		}
		upserts = append(upserts, *local)
	}

	written, err := i.events.InsertMany(ctx, upserts)
	if err != nil {
		return written, 0, fmt.Errorf("write %d/%d events: %w", written, len(upserts), err)
	}
	metrics.CountImportedEvents("upserted", written)

	deleted, err := i.events.DeleteByRemoteIDs(ctx, userID, deleteIDs)
	if err != nil {
		return written, deleted, err
	}
	metrics.CountImportedEvents("deleted", deleted)

	return written, deleted, nil
}

func (i *Importer) revoke(ctx context.Context, userID int64, cause error) error {
	log.Printf("[WARN] sync: access revoked for user=%d during import, tearing down sync state: %v", userID, cause)
	if err := errors.Join(i.syncs.Delete(ctx, userID), i.tokens.Delete(ctx, userID)); err != nil {
		log.Printf("[ERROR] sync: teardown for user=%d: %v", userID, err)
	}
	return ErrAccessRevoked
}
