package sync

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"gitea.jw6.us/james/calmirror/internal/gcal"
	"gitea.jw6.us/james/calmirror/internal/store"
)

func remoteEvent(id, summary string) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: "2026-03-02T09:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2026-03-02T10:00:00Z"},
	}
}

func cancelledEvent(id string) *calendar.Event {
	return &calendar.Event{Id: id, Status: "cancelled"}
}

func newTestImporter(client *fakeClient) (*Importer, *fakeSyncRepo, *fakeEventRepo, *fakeTokenRepo) {
	syncs := newFakeSyncRepo()
	events := newFakeEventRepo()
	tokens := newFakeTokenRepo()
	imp := NewImporter(syncs, events, tokens, &fakeProvider{client: client})
	return imp, syncs, events, tokens
}

func TestFullImportPaginatesAndStoresToken(t *testing.T) {
	client := &fakeClient{
		calendars:    []string{"primary"},
		calListToken: "cal-tok",
		eventPages: map[string][]*gcal.EventPage{
			"primary": {
				{Events: []*calendar.Event{remoteEvent("r1", "one"), remoteEvent("r2", "two")}, NextPageToken: "page2"},
				{Events: []*calendar.Event{remoteEvent("r3", "three")}, NextSyncToken: "tok-1"},
			},
		},
	}
	imp, syncs, events, _ := newTestImporter(client)

	results, err := imp.FullImport(context.Background(), 7)
	if err != nil {
		t.Fatalf("FullImport: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Kind != KindFull || results[0].Upserted != 3 {
		t.Errorf("result = %+v, want full import of 3 events", results[0])
	}
	if len(events.byRemote) != 3 {
		t.Errorf("mirrored events = %d, want 3", len(events.byRemote))
	}
	if tok := syncs.records[7].EventChannels["primary"].SyncToken; tok != "tok-1" {
		t.Errorf("stored sync token = %q, want tok-1", tok)
	}
	if syncs.records[7].CalendarListToken != "cal-tok" {
		t.Errorf("calendar list token = %q, want cal-tok", syncs.records[7].CalendarListToken)
	}
}

func TestFullImportIsIdempotent(t *testing.T) {
	page := func() []*gcal.EventPage {
		return []*gcal.EventPage{
			{Events: []*calendar.Event{remoteEvent("r1", "one")}, NextSyncToken: "tok-1"},
		}
	}
	client := &fakeClient{calendars: []string{"primary"}, eventPages: map[string][]*gcal.EventPage{"primary": page()}}
	imp, _, events, _ := newTestImporter(client)

	if _, err := imp.FullImport(context.Background(), 7); err != nil {
		t.Fatalf("first import: %v", err)
	}
	client.eventPages["primary"] = page()
	if _, err := imp.FullImport(context.Background(), 7); err != nil {
		t.Fatalf("second import: %v", err)
	}
	if len(events.byRemote) != 1 {
		t.Errorf("mirrored events = %d, want 1 after re-import", len(events.byRemote))
	}
}

func TestFullImportOneCalendarFailingDoesNotAbortSiblings(t *testing.T) {
	client := &fakeClient{
		calendars: []string{"broken", "primary"},
		eventPages: map[string][]*gcal.EventPage{
			"primary": {{Events: []*calendar.Event{remoteEvent("r1", "one")}, NextSyncToken: "tok-1"}},
		},
		listErrByCalendar: map[string]error{
			"broken": &googleapi.Error{Code: http.StatusInternalServerError},
		},
	}
	imp, _, events, _ := newTestImporter(client)

	results, err := imp.FullImport(context.Background(), 7)
	if err == nil {
		t.Fatal("expected the broken calendar's failure to be reported")
	}
	if len(events.byRemote) != 1 {
		t.Errorf("mirrored events = %d, want the healthy calendar imported", len(events.byRemote))
	}
	found := false
	for _, res := range results {
		if res.CalendarID == "primary" && res.Upserted == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("results = %+v, want a result for the healthy calendar", results)
	}
}

func TestImportCalendarIncremental(t *testing.T) {
	client := &fakeClient{
		eventPages: map[string][]*gcal.EventPage{
			"primary": {
				{Events: []*calendar.Event{remoteEvent("r2", "changed"), cancelledEvent("r1")}, NextSyncToken: "tok-2"},
			},
		},
	}
	imp, syncs, events, _ := newTestImporter(client)

	events.byRemote[remoteKey(7, "r1")] = store.Event{UserID: 7, RemoteID: "r1"}
	syncs.record(7).EventChannels["primary"] = store.ChannelState{ChannelID: "chan-1", SyncToken: "tok-1"}

	res, err := imp.ImportCalendar(context.Background(), 7, "primary")
	if err != nil {
		t.Fatalf("ImportCalendar: %v", err)
	}
	if res.Kind != KindIncremental {
		t.Errorf("Kind = %q, want incremental", res.Kind)
	}
	if res.Upserted != 1 || res.Deleted != 1 {
		t.Errorf("result = %+v, want 1 upsert and 1 delete", res)
	}
	if _, ok := events.byRemote[remoteKey(7, "r1")]; ok {
		t.Error("cancelled event should be removed from the mirror")
	}
	if tok := syncs.records[7].EventChannels["primary"].SyncToken; tok != "tok-2" {
		t.Errorf("stored sync token = %q, want tok-2", tok)
	}
}

func TestIncrementalImportWalksWatchedCalendars(t *testing.T) {
	client := &fakeClient{
		eventPages: map[string][]*gcal.EventPage{
			"primary": {{Events: []*calendar.Event{remoteEvent("r1", "one")}, NextSyncToken: "tok-p2"}},
			"work":    {{Events: []*calendar.Event{remoteEvent("r2", "two")}, NextSyncToken: "tok-w2"}},
		},
	}
	imp, syncs, events, _ := newTestImporter(client)
	syncs.record(7).EventChannels["primary"] = store.ChannelState{ChannelID: "chan-1", SyncToken: "tok-p1"}
	syncs.record(7).EventChannels["work"] = store.ChannelState{ChannelID: "chan-2", SyncToken: "tok-w1"}

	results, err := imp.IncrementalImport(context.Background(), 7)
	if err != nil {
		t.Fatalf("IncrementalImport: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want both calendars", results)
	}
	for _, res := range results {
		if res.Kind != KindIncremental {
			t.Errorf("calendar %s Kind = %q, want incremental", res.CalendarID, res.Kind)
		}
	}
	if len(events.byRemote) != 2 {
		t.Errorf("mirrored events = %d, want 2", len(events.byRemote))
	}
	if tok := syncs.records[7].EventChannels["work"].SyncToken; tok != "tok-w2" {
		t.Errorf("work sync token = %q, want tok-w2", tok)
	}
}

func TestIncrementalImportOneCalendarFailingDoesNotAbortSiblings(t *testing.T) {
	client := &fakeClient{
		eventPages: map[string][]*gcal.EventPage{
			"primary": {{Events: []*calendar.Event{remoteEvent("r1", "one")}, NextSyncToken: "tok-p2"}},
		},
		listErrByCalendar: map[string]error{
			"broken": &googleapi.Error{Code: http.StatusInternalServerError},
		},
	}
	imp, syncs, events, _ := newTestImporter(client)
	syncs.record(7).EventChannels["primary"] = store.ChannelState{ChannelID: "chan-1", SyncToken: "tok-p1"}
	syncs.record(7).EventChannels["broken"] = store.ChannelState{ChannelID: "chan-2", SyncToken: "tok-b1"}

	results, err := imp.IncrementalImport(context.Background(), 7)
	if err == nil {
		t.Fatal("expected the broken calendar's failure to be reported")
	}
	if len(results) != 1 || results[0].CalendarID != "primary" {
		t.Errorf("results = %+v, want the healthy calendar", results)
	}
	if len(events.byRemote) != 1 {
		t.Errorf("mirrored events = %d, want the healthy calendar imported", len(events.byRemote))
	}
}

func TestIncrementalImportWithoutWatches(t *testing.T) {
	imp, _, _, _ := newTestImporter(&fakeClient{})
	if _, err := imp.IncrementalImport(context.Background(), 7); !errors.Is(err, ErrNoActiveWatches) {
		t.Fatalf("expected ErrNoActiveWatches, got %v", err)
	}
}

func TestIncrementalImportKeepsSyncTokenAcrossPages(t *testing.T) {
	client := &fakeClient{
		eventPages: map[string][]*gcal.EventPage{
			"primary": {
				{Events: []*calendar.Event{remoteEvent("r1", "one")}, NextPageToken: "page2"},
				{Events: []*calendar.Event{remoteEvent("r2", "two")}, NextSyncToken: "tok-2"},
			},
		},
	}
	imp, syncs, _, _ := newTestImporter(client)
	syncs.record(7).EventChannels["primary"] = store.ChannelState{ChannelID: "chan-1", SyncToken: "tok-1"}

	if _, err := imp.ImportCalendar(context.Background(), 7, "primary"); err != nil {
		t.Fatalf("ImportCalendar: %v", err)
	}
	if len(client.listCalls) != 2 {
		t.Fatalf("list calls = %d, want 2", len(client.listCalls))
	}
	second := client.listCalls[1]
	if second.SyncToken != "tok-1" {
		t.Errorf("second page SyncToken = %q, want tok-1 repeated", second.SyncToken)
	}
	if second.PageToken != "page2" {
		t.Errorf("second page PageToken = %q, want page2", second.PageToken)
	}
}

func TestImportCalendarWithoutTokenRunsFull(t *testing.T) {
	client := &fakeClient{
		eventPages: map[string][]*gcal.EventPage{
			"primary": {{Events: []*calendar.Event{remoteEvent("r1", "one")}, NextSyncToken: "tok-1"}},
		},
	}
	imp, _, _, _ := newTestImporter(client)

	res, err := imp.ImportCalendar(context.Background(), 7, "primary")
	if err != nil {
		t.Fatalf("ImportCalendar: %v", err)
	}
	if res.Kind != KindFull {
		t.Errorf("Kind = %q, want full when no token is stored", res.Kind)
	}
}

func TestImportCalendarExpiredTokenFallsBack(t *testing.T) {
	client := &fakeClient{
		listErrBySyncToken: map[string]error{"tok-stale": &googleapi.Error{Code: http.StatusGone}},
		eventPages: map[string][]*gcal.EventPage{
			"primary": {{Events: []*calendar.Event{remoteEvent("r1", "one")}, NextSyncToken: "tok-fresh"}},
		},
	}
	imp, syncs, _, _ := newTestImporter(client)
	syncs.record(7).EventChannels["primary"] = store.ChannelState{ChannelID: "chan-1", SyncToken: "tok-stale"}

	res, err := imp.ImportCalendar(context.Background(), 7, "primary")
	if err != nil {
		t.Fatalf("ImportCalendar: %v", err)
	}
	if res.Kind != KindFull {
		t.Errorf("Kind = %q, want full after 410", res.Kind)
	}
	if tok := syncs.records[7].EventChannels["primary"].SyncToken; tok != "tok-fresh" {
		t.Errorf("stored sync token = %q, want tok-fresh", tok)
	}
}

func TestImportCalendarRevokedTearsDown(t *testing.T) {
	client := &fakeClient{
		listErrBySyncToken: map[string]error{"tok-1": &googleapi.Error{Code: http.StatusUnauthorized}},
	}
	imp, syncs, _, tokens := newTestImporter(client)
	syncs.record(7).EventChannels["primary"] = store.ChannelState{ChannelID: "chan-1", SyncToken: "tok-1"}

	_, err := imp.ImportCalendar(context.Background(), 7, "primary")
	if !errors.Is(err, ErrAccessRevoked) {
		t.Fatalf("expected ErrAccessRevoked, got %v", err)
	}
	if _, ok := syncs.records[7]; ok {
		t.Error("sync record should be deleted on revocation")
	}
	if len(tokens.deleted) != 1 {
		t.Error("stored token should be deleted on revocation")
	}
}

func TestApplySkipsMalformedEvents(t *testing.T) {
	client := &fakeClient{
		calendars: []string{"primary"},
		eventPages: map[string][]*gcal.EventPage{
			"primary": {{
				Events:        []*calendar.Event{remoteEvent("r1", "ok"), {Summary: "no id"}},
				NextSyncToken: "tok-1",
			}},
		},
	}
	imp, _, events, _ := newTestImporter(client)

	results, err := imp.FullImport(context.Background(), 7)
	if err != nil {
		t.Fatalf("FullImport: %v", err)
	}
	if results[0].Upserted != 1 {
		t.Errorf("Upserted = %d, want 1 (malformed event skipped)", results[0].Upserted)
	}
	if len(events.byRemote) != 1 {
		t.Errorf("mirrored events = %d, want 1", len(events.byRemote))
	}
}
