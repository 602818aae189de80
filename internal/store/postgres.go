package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"
)

const pgUniqueViolation = "23505"

// userRepo implements UserRepository.
type userRepo struct {
	pool *pgxpool.Pool
}

func (r *userRepo) UpsertOAuthUser(ctx context.Context, subject, email string) (*User, error) {
	defer observeDB(ctx, "db.users.upsert")()

	const q = `INSERT INTO users (oauth_subject, primary_email)
VALUES ($1, $2)
ON CONFLICT (oauth_subject) DO UPDATE
SET primary_email = EXCLUDED.primary_email, last_login_at = NOW()
RETURNING id, oauth_subject, primary_email, created_at, last_login_at`

	var u User
	err := r.pool.QueryRow(ctx, q, subject, email).
		Scan(&u.ID, &u.OAuthSubject, &u.PrimaryEmail, &u.CreatedAt, &u.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return &u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "db.users.get")()

	const q = `SELECT id, oauth_subject, primary_email, created_at, last_login_at
FROM users WHERE id = $1`

	var u User
	err := r.pool.QueryRow(ctx, q, id).
		Scan(&u.ID, &u.OAuthSubject, &u.PrimaryEmail, &u.CreatedAt, &u.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

// tokenRepo implements TokenRepository.
type tokenRepo struct {
	pool *pgxpool.Pool
}

func (r *tokenRepo) Save(ctx context.Context, userID int64, token *oauth2.Token) error {
	defer observeDB(ctx, "db.tokens.save")()

	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	const q = `INSERT INTO google_tokens (user_id, token)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET token = EXCLUDED.token, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, q, userID, raw); err != nil {
		return fmt.Errorf("save token for user %d: %w", userID, err)
	}
	return nil
}

func (r *tokenRepo) Get(ctx context.Context, userID int64) (*oauth2.Token, error) {
	defer observeDB(ctx, "db.tokens.get")()

	const q = `SELECT token FROM google_tokens WHERE user_id = $1`

	var raw []byte
	err := r.pool.QueryRow(ctx, q, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token for user %d: %w", userID, err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("unmarshal token for user %d: %w", userID, err)
	}
	return &token, nil
}

func (r *tokenRepo) Delete(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "db.tokens.delete")()

	if _, err := r.pool.Exec(ctx, `DELETE FROM google_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete token for user %d: %w", userID, err)
	}
	return nil
}

// syncRepo implements SyncRepository.
type syncRepo struct {
	pool *pgxpool.Pool
}

func (r *syncRepo) Get(ctx context.Context, userID int64) (*SyncRecord, error) {
	defer observeDB(ctx, "db.syncs.get")()

	const q = `SELECT user_id, calendar_list_token, event_channels, updated_at
FROM sync_records WHERE user_id = $1`

	var (
		rec SyncRecord
		raw []byte
	)
	err := r.pool.QueryRow(ctx, q, userID).
		Scan(&rec.UserID, &rec.CalendarListToken, &raw, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record for user %d: %w", userID, err)
	}
	if err := json.Unmarshal(raw, &rec.EventChannels); err != nil {
		return nil, fmt.Errorf("unmarshal channels for user %d: %w", userID, err)
	}
	if rec.EventChannels == nil {
		rec.EventChannels = make(map[string]ChannelState)
	}
	return &rec, nil
}

func (r *syncRepo) Delete(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "db.syncs.delete")()

	if _, err := r.pool.Exec(ctx, `DELETE FROM sync_records WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete sync record for user %d: %w", userID, err)
	}
	return nil
}

func (r *syncRepo) SetChannel(ctx context.Context, userID int64, calendarID string, state ChannelState) error {
	defer observeDB(ctx, "db.syncs.set_channel")()

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal channel state: %w", err)
	}

	const q = `INSERT INTO sync_records (user_id, event_channels)
VALUES ($1, jsonb_build_object($2::text, $3::jsonb))
ON CONFLICT (user_id) DO UPDATE
SET event_channels = sync_records.event_channels || jsonb_build_object($2::text, $3::jsonb),
    updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, q, userID, calendarID, raw); err != nil {
		return fmt.Errorf("set channel for user %d calendar %s: %w", userID, calendarID, err)
	}
	return nil
}

func (r *syncRepo) DeleteChannelByID(ctx context.Context, userID int64, channelID string) error {
	defer observeDB(ctx, "db.syncs.delete_channel")()

	const q = `UPDATE sync_records
SET event_channels = COALESCE((
        SELECT jsonb_object_agg(key, value)
        FROM jsonb_each(event_channels)
        WHERE value->>'channelId' <> $2
    ), '{}'::jsonb),
    updated_at = NOW()
WHERE user_id = $1`

	tag, err := r.pool.Exec(ctx, q, userID, channelID)
	if err != nil {
		return fmt.Errorf("delete channel %s for user %d: %w", channelID, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncRepo) SetSyncToken(ctx context.Context, userID int64, calendarID, token string) error {
	defer observeDB(ctx, "db.syncs.set_token")()

	// A full import may land before any watch exists for the calendar, so
	// this creates the calendar entry (and the record) when missing.
	const q = `INSERT INTO sync_records (user_id, event_channels)
VALUES ($1, jsonb_build_object($2::text, jsonb_build_object('syncToken', $3::text)))
ON CONFLICT (user_id) DO UPDATE
SET event_channels = jsonb_set(
        sync_records.event_channels,
        ARRAY[$2],
        COALESCE(sync_records.event_channels->$2, '{}'::jsonb) || jsonb_build_object('syncToken', $3::text)),
    updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, q, userID, calendarID, token); err != nil {
		return fmt.Errorf("set sync token for user %d calendar %s: %w", userID, calendarID, err)
	}
	return nil
}

func (r *syncRepo) SetCalendarListToken(ctx context.Context, userID int64, token string) error {
	defer observeDB(ctx, "db.syncs.set_list_token")()

	const q = `INSERT INTO sync_records (user_id, calendar_list_token)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET calendar_list_token = EXCLUDED.calendar_list_token, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, q, userID, token); err != nil {
		return fmt.Errorf("set calendar list token for user %d: %w", userID, err)
	}
	return nil
}

func (r *syncRepo) FindByResourceID(ctx context.Context, resourceID string) (*ChannelRef, error) {
	defer observeDB(ctx, "db.syncs.find_by_resource")()

	const q = `SELECT r.user_id, c.key, c.value
FROM sync_records r, jsonb_each(r.event_channels) AS c
WHERE c.value->>'resourceId' = $1
LIMIT 1`

	var (
		ref ChannelRef
		raw []byte
	)
	err := r.pool.QueryRow(ctx, q, resourceID).Scan(&ref.UserID, &ref.CalendarID, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find channel by resource %s: %w", resourceID, err)
	}
	if err := json.Unmarshal(raw, &ref.State); err != nil {
		return nil, fmt.Errorf("unmarshal channel for resource %s: %w", resourceID, err)
	}
	return &ref, nil
}

func (r *syncRepo) ListExpiring(ctx context.Context, cutoff time.Time) ([]ChannelRef, error) {
	defer observeDB(ctx, "db.syncs.list_expiring")()

	const q = `SELECT r.user_id, c.key, c.value
FROM sync_records r, jsonb_each(r.event_channels) AS c
WHERE (c.value->>'expiration')::timestamptz < $1`

	rows, err := r.pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expiring channels: %w", err)
	}
	defer rows.Close()

	var refs []ChannelRef
	for rows.Next() {
		var (
			ref ChannelRef
			raw []byte
		)
		if err := rows.Scan(&ref.UserID, &ref.CalendarID, &raw); err != nil {
			return nil, fmt.Errorf("scan expiring channel: %w", err)
		}
		if err := json.Unmarshal(raw, &ref.State); err != nil {
			return nil, fmt.Errorf("unmarshal expiring channel: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool *pgxpool.Pool
}

const eventColumns = `id, user_id, COALESCE(remote_id, ''), calendar_id, title, description,
COALESCE(starts_at, 'epoch'::timestamptz), COALESCE(ends_at, 'epoch'::timestamptz),
all_day, priority, someday, origin, updated_at`

const eventUpsertSQL = `INSERT INTO events
(id, user_id, remote_id, calendar_id, title, description, starts_at, ends_at, all_day, priority, someday, origin, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
ON CONFLICT (user_id, remote_id) WHERE remote_id IS NOT NULL DO UPDATE
SET calendar_id = EXCLUDED.calendar_id,
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    starts_at = EXCLUDED.starts_at,
    ends_at = EXCLUDED.ends_at,
    all_day = EXCLUDED.all_day,
    updated_at = NOW()`

func (r *eventRepo) Insert(ctx context.Context, event Event) (*Event, error) {
	defer observeDB(ctx, "db.events.insert")()

	const q = `INSERT INTO events
(id, user_id, remote_id, calendar_id, title, description, starts_at, ends_at, all_day, priority, someday, origin)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING updated_at`

	err := r.pool.QueryRow(ctx, q, eventParams(event)...).Scan(&event.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateRemoteID
	}
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return &event, nil
}

func (r *eventRepo) InsertMany(ctx context.Context, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	defer observeDB(ctx, "db.events.insert_many")()

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(eventUpsertSQL, eventParams(e)...)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for i := range events {
		if _, err := results.Exec(); err != nil {
			return written, fmt.Errorf("bulk insert event %d/%d: %w", i+1, len(events), err)
		}
		written++
	}
	return written, nil
}

func (r *eventRepo) GetByID(ctx context.Context, userID int64, id string) (*Event, error) {
	defer observeDB(ctx, "db.events.get")()

	q := `SELECT ` + eventColumns + ` FROM events WHERE id = $1 AND user_id = $2`

	e, err := scanEvent(r.pool.QueryRow(ctx, q, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

func (r *eventRepo) Replace(ctx context.Context, userID int64, id string, event Event) (*Event, error) {
	defer observeDB(ctx, "db.events.replace")()

	const q = `UPDATE events
SET remote_id = $3, calendar_id = $4, title = $5, description = $6,
    starts_at = $7, ends_at = $8, all_day = $9, priority = $10, someday = $11, origin = $12,
    updated_at = NOW()
WHERE id = $1 AND user_id = $2
RETURNING updated_at`

	event.ID = id
	event.UserID = userID
	err := r.pool.QueryRow(ctx, q,
		id, userID, nullIfEmpty(event.RemoteID), event.CalendarID, event.Title, event.Description,
		nullIfZero(event.StartsAt), nullIfZero(event.EndsAt), event.AllDay,
		event.Priority, event.Someday, event.Origin,
	).Scan(&event.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("replace event %s: %w", id, err)
	}
	return &event, nil
}

func (r *eventRepo) DeleteByID(ctx context.Context, userID int64, id string) error {
	defer observeDB(ctx, "db.events.delete")()

	tag, err := r.pool.Exec(ctx, `DELETE FROM events WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepo) DeleteByRemoteIDs(ctx context.Context, userID int64, remoteIDs []string) (int, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}
	defer observeDB(ctx, "db.events.delete_by_remote")()

	const q = `DELETE FROM events WHERE user_id = $1 AND remote_id = ANY($2)`

	tag, err := r.pool.Exec(ctx, q, userID, remoteIDs)
	if err != nil {
		return 0, fmt.Errorf("delete events by remote id: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *eventRepo) ListByUser(ctx context.Context, userID int64, filter EventFilter) ([]Event, error) {
	defer observeDB(ctx, "db.events.list")()

	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE user_id = $1`)
	args := []any{userID}

	if filter.Someday != nil {
		args = append(args, *filter.Someday)
		fmt.Fprintf(&sb, " AND someday = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		fmt.Fprintf(&sb, " AND ends_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		fmt.Fprintf(&sb, " AND starts_at <= $%d", len(args))
	}
	sb.WriteString(" ORDER BY starts_at")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list events for user %d: %w", userID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (r *eventRepo) DeleteAllByUser(ctx context.Context, userID int64) (int, error) {
	defer observeDB(ctx, "db.events.delete_all")()

	tag, err := r.pool.Exec(ctx, `DELETE FROM events WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete all events for user %d: %w", userID, err)
	}
	return int(tag.RowsAffected()), nil
}

func eventParams(e Event) []any {
	return []any{
		e.ID, e.UserID, nullIfEmpty(e.RemoteID), e.CalendarID, e.Title, e.Description,
		nullIfZero(e.StartsAt), nullIfZero(e.EndsAt), e.AllDay, e.Priority, e.Someday, e.Origin,
	}
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.UserID, &e.RemoteID, &e.CalendarID, &e.Title, &e.Description,
		&e.StartsAt, &e.EndsAt, &e.AllDay, &e.Priority, &e.Someday, &e.Origin, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if e.StartsAt.Unix() == 0 {
		e.StartsAt = time.Time{}
	}
	if e.EndsAt.Unix() == 0 {
		e.EndsAt = time.Time{}
	}
	return &e, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
