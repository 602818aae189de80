package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calmirror/internal/gcal"
	"gitea.jw6.us/james/calmirror/internal/store"
)

// fakeSyncRepo is an in-memory store.SyncRepository. Mutations lock because
// full imports hit it from several goroutines.
type fakeSyncRepo struct {
	mu      gosync.Mutex
	records map[int64]*store.SyncRecord
	deleted []int64
}

func newFakeSyncRepo() *fakeSyncRepo {
	return &fakeSyncRepo{records: make(map[int64]*store.SyncRecord)}
}

func (f *fakeSyncRepo) record(userID int64) *store.SyncRecord {
	rec, ok := f.records[userID]
	if !ok {
		rec = &store.SyncRecord{UserID: userID, EventChannels: make(map[string]store.ChannelState)}
		f.records[userID] = rec
	}
	return rec
}

func (f *fakeSyncRepo) Get(ctx context.Context, userID int64) (*store.SyncRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	cp.EventChannels = make(map[string]store.ChannelState, len(rec.EventChannels))
	for k, v := range rec.EventChannels {
		cp.EventChannels[k] = v
	}
	return &cp, nil
}

func (f *fakeSyncRepo) Delete(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, userID)
	f.deleted = append(f.deleted, userID)
	return nil
}

func (f *fakeSyncRepo) SetChannel(ctx context.Context, userID int64, calendarID string, state store.ChannelState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(userID).EventChannels[calendarID] = state
	return nil
}

func (f *fakeSyncRepo) DeleteChannelByID(ctx context.Context, userID int64, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	if !ok {
		return store.ErrNotFound
	}
	for calendarID, c := range rec.EventChannels {
		if c.ChannelID == channelID {
			delete(rec.EventChannels, calendarID)
		}
	}
	return nil
}

func (f *fakeSyncRepo) SetSyncToken(ctx context.Context, userID int64, calendarID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.record(userID)
	c := rec.EventChannels[calendarID]
	c.SyncToken = token
	rec.EventChannels[calendarID] = c
	return nil
}

func (f *fakeSyncRepo) SetCalendarListToken(ctx context.Context, userID int64, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(userID).CalendarListToken = token
	return nil
}

func (f *fakeSyncRepo) FindByResourceID(ctx context.Context, resourceID string) (*store.ChannelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for userID, rec := range f.records {
		for calendarID, c := range rec.EventChannels {
			if c.ResourceID == resourceID {
				return &store.ChannelRef{UserID: userID, CalendarID: calendarID, State: c}, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeSyncRepo) ListExpiring(ctx context.Context, cutoff time.Time) ([]store.ChannelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []store.ChannelRef
	for userID, rec := range f.records {
		for calendarID, c := range rec.EventChannels {
			if !c.Expiration.IsZero() && c.Expiration.Before(cutoff) {
				refs = append(refs, store.ChannelRef{UserID: userID, CalendarID: calendarID, State: c})
			}
		}
	}
	return refs, nil
}

// fakeEventRepo is an in-memory store.EventRepository keyed by remote id.
type fakeEventRepo struct {
	mu        gosync.Mutex
	byRemote  map[string]store.Event
	insertErr error
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{byRemote: make(map[string]store.Event)}
}

func remoteKey(userID int64, remoteID string) string {
	return fmt.Sprintf("%d/%s", userID, remoteID)
}

func (f *fakeEventRepo) Insert(ctx context.Context, event store.Event) (*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.RemoteID != "" {
		if _, ok := f.byRemote[remoteKey(event.UserID, event.RemoteID)]; ok {
			return nil, store.ErrDuplicateRemoteID
		}
		f.byRemote[remoteKey(event.UserID, event.RemoteID)] = event
	}
	return &event, nil
}

func (f *fakeEventRepo) InsertMany(ctx context.Context, events []store.Event) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	for _, e := range events {
		f.byRemote[remoteKey(e.UserID, e.RemoteID)] = e
	}
	return len(events), nil
}

func (f *fakeEventRepo) GetByID(ctx context.Context, userID int64, id string) (*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.byRemote {
		if e.UserID == userID && e.ID == id {
			return &e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeEventRepo) Replace(ctx context.Context, userID int64, id string, event store.Event) (*store.Event, error) {
	event.ID = id
	event.UserID = userID
	return &event, nil
}

func (f *fakeEventRepo) DeleteByID(ctx context.Context, userID int64, id string) error {
	return nil
}

func (f *fakeEventRepo) DeleteByRemoteIDs(ctx context.Context, userID int64, remoteIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, remoteID := range remoteIDs {
		if _, ok := f.byRemote[remoteKey(userID, remoteID)]; ok {
			delete(f.byRemote, remoteKey(userID, remoteID))
			n++
		}
	}
	return n, nil
}

func (f *fakeEventRepo) ListByUser(ctx context.Context, userID int64, filter store.EventFilter) ([]store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []store.Event
	for _, e := range f.byRemote {
		if e.UserID == userID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (f *fakeEventRepo) DeleteAllByUser(ctx context.Context, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, e := range f.byRemote {
		if e.UserID == userID {
			delete(f.byRemote, k)
			n++
		}
	}
	return n, nil
}

// fakeTokenRepo is an in-memory store.TokenRepository.
type fakeTokenRepo struct {
	tokens  map[int64]*oauth2.Token
	deleted []int64
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{tokens: make(map[int64]*oauth2.Token)}
}

func (f *fakeTokenRepo) Save(ctx context.Context, userID int64, token *oauth2.Token) error {
	f.tokens[userID] = token
	return nil
}

func (f *fakeTokenRepo) Get(ctx context.Context, userID int64) (*oauth2.Token, error) {
	t, ok := f.tokens[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTokenRepo) Delete(ctx context.Context, userID int64) error {
	delete(f.tokens, userID)
	f.deleted = append(f.deleted, userID)
	return nil
}

type stopCall struct {
	channelID  string
	resourceID string
}

type watchCall struct {
	calendarID string
	channelID  string
	expiration time.Time
}

// fakeClient is a scriptable gcal.Client.
type fakeClient struct {
	mu gosync.Mutex

	resourceID string
	watchErr   error
	watches    []watchCall

	stopErr error
	stops   []stopCall

	calendars    []string
	calListToken string

	// eventPages queues listing responses per calendar, consumed in order.
	eventPages map[string][]*gcal.EventPage
	// listErrBySyncToken fails a listing when called with the given token.
	listErrBySyncToken map[string]error
	// listErrByCalendar fails every listing for the given calendar.
	listErrByCalendar map[string]error

	// listCalls records the options of every event listing, in order.
	listCalls []gcal.ListOptions
}

func (f *fakeClient) Watch(ctx context.Context, calendarID, channelID string, expiration time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches = append(f.watches, watchCall{calendarID: calendarID, channelID: channelID, expiration: expiration})
	if f.watchErr != nil {
		return "", f.watchErr
	}
	return f.resourceID, nil
}

func (f *fakeClient) StopChannel(ctx context.Context, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, stopCall{channelID: channelID, resourceID: resourceID})
	return f.stopErr
}

func (f *fakeClient) ListCalendars(ctx context.Context, opts gcal.ListOptions) (*gcal.CalendarPage, error) {
	return &gcal.CalendarPage{IDs: f.calendars, NextSyncToken: f.calListToken}, nil
}

func (f *fakeClient) ListEvents(ctx context.Context, calendarID string, opts gcal.ListOptions) (*gcal.EventPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, opts)
	if err := f.listErrByCalendar[calendarID]; err != nil {
		return nil, err
	}
	if opts.SyncToken != "" {
		if err := f.listErrBySyncToken[opts.SyncToken]; err != nil {
			return nil, err
		}
	}
	pages := f.eventPages[calendarID]
	if len(pages) == 0 {
		return &gcal.EventPage{}, nil
	}
	page := pages[0]
	f.eventPages[calendarID] = pages[1:]
	return page, nil
}

func (f *fakeClient) CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	return event, nil
}

func (f *fakeClient) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	return event, nil
}

func (f *fakeClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return nil
}

// fakeProvider hands out one client for every user.
type fakeProvider struct {
	client gcal.Client
	err    error
}

func (f *fakeProvider) ClientFor(ctx context.Context, userID int64) (gcal.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}
