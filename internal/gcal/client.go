package gcal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"gitea.jw6.us/james/calmirror/internal/metrics"
)

// Watch channels push to the webhook as type "web_hook"; that is the only
// delivery mechanism the Calendar API supports.
const channelType = "web_hook"

const maxPageSize = 2500

// ListOptions controls pagination and incremental listing. A non-empty
// SyncToken requests only changes since the token was issued; PageToken
// continues a multi-page listing.
type ListOptions struct {
	SyncToken string
	PageToken string
}

// EventPage is one page of an event listing. NextSyncToken is only set on the
// final page.
type EventPage struct {
	Events        []*calendar.Event
	NextPageToken string
	NextSyncToken string
}

// CalendarPage is one page of the user's calendar list.
type CalendarPage struct {
	IDs           []string
	NextPageToken string
	NextSyncToken string
}

// Client is the remote calendar surface the sync engine drives. Errors from
// every method are classified with the Is* predicates in this package.
type Client interface {
	Watch(ctx context.Context, calendarID, channelID string, expiration time.Time) (resourceID string, err error)
	StopChannel(ctx context.Context, channelID, resourceID string) error

	ListCalendars(ctx context.Context, opts ListOptions) (*CalendarPage, error)
	ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*EventPage, error)

	CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

type googleClient struct {
	svc          *calendar.Service
	webhookURL   string
	webhookToken string
}

// NewClient builds a Client over the Google Calendar API using the given
// token source. Watch channels created by this client deliver to webhookURL
// and echo webhookToken back on every notification.
func NewClient(ctx context.Context, ts oauth2.TokenSource, webhookURL, webhookToken string) (Client, error) {
	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &googleClient{svc: svc, webhookURL: webhookURL, webhookToken: webhookToken}, nil
}

func (c *googleClient) Watch(ctx context.Context, calendarID, channelID string, expiration time.Time) (string, error) {
	ch := &calendar.Channel{
		Id:         channelID,
		Type:       channelType,
		Address:    c.webhookURL,
		Token:      c.webhookToken,
		Expiration: expiration.UnixMilli(),
	}
	res, err := c.svc.Events.Watch(calendarID, ch).Context(ctx).Do()
	metrics.CountRemoteCall("watch", outcome(err))
	if err != nil {
		return "", WrapError(err)
	}
	return res.ResourceId, nil
}

func (c *googleClient) StopChannel(ctx context.Context, channelID, resourceID string) error {
	err := c.svc.Channels.Stop(&calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do()
	metrics.CountRemoteCall("stop_channel", outcome(err))
	return WrapError(err)
}

func (c *googleClient) ListCalendars(ctx context.Context, opts ListOptions) (*CalendarPage, error) {
	call := c.svc.CalendarList.List().Context(ctx)
	if opts.SyncToken != "" {
		call = call.SyncToken(opts.SyncToken)
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}

	res, err := call.Do()
	metrics.CountRemoteCall("list_calendars", outcome(err))
	if err != nil {
		return nil, WrapError(err)
	}

	page := &CalendarPage{
		NextPageToken: res.NextPageToken,
		NextSyncToken: res.NextSyncToken,
	}
	for _, entry := range res.Items {
		if entry.Deleted {
			continue
		}
		page.IDs = append(page.IDs, entry.Id)
	}
	return page, nil
}

func (c *googleClient) ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*EventPage, error) {
	call := c.svc.Events.List(calendarID).
		Context(ctx).
		SingleEvents(true).
		ShowDeleted(true).
		MaxResults(maxPageSize)
	if opts.SyncToken != "" {
		call = call.SyncToken(opts.SyncToken)
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}

	res, err := call.Do()
	metrics.CountRemoteCall("list_events", outcome(err))
	if err != nil {
		return nil, WrapError(err)
	}

	return &EventPage{
		Events:        res.Items,
		NextPageToken: res.NextPageToken,
		NextSyncToken: res.NextSyncToken,
	}, nil
}

func (c *googleClient) CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	created, err := c.svc.Events.Insert(calendarID, event).Context(ctx).Do()
	metrics.CountRemoteCall("create_event", outcome(err))
	if err != nil {
		return nil, WrapError(err)
	}
	return created, nil
}

func (c *googleClient) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	updated, err := c.svc.Events.Update(calendarID, eventID, event).Context(ctx).Do()
	metrics.CountRemoteCall("update_event", outcome(err))
	if err != nil {
		return nil, WrapError(err)
	}
	return updated, nil
}

func (c *googleClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	metrics.CountRemoteCall("delete_event", outcome(err))
	return WrapError(err)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
