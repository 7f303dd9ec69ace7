package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/equipment-resolver/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withConnPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: exec PRAGMA journal_mode=WAL")
	}
	return &SQLiteStore{db: db, now: utcNow}, nil
}

// withConnPragmas adds per-connection pragmas to the DSN so every pooled
// connection gets them, not just the first one.
func withConnPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS resolution_requests (
	request_id     TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	raw_fields     TEXT NOT NULL,
	normalized_key TEXT NOT NULL,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_attempts (
	request_id  TEXT NOT NULL REFERENCES resolution_requests(request_id),
	provider    TEXT NOT NULL,
	tier_rank   INTEGER NOT NULL,
	started_at  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	raw_result  TEXT,
	confidence  REAL NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL CHECK (outcome IN ('accepted', 'rejected', 'failed')),
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	validation  TEXT NOT NULL DEFAULT '',
	cost_usd    REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (request_id, provider)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	normalized_key   TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	result_payload   TEXT NOT NULL,
	confidence       REAL NOT NULL,
	validated        INTEGER NOT NULL DEFAULT 1,
	source_provider  TEXT NOT NULL,
	access_count     INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	last_accessed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS escalation_tickets (
	ticket_id          TEXT PRIMARY KEY,
	normalized_key     TEXT NOT NULL,
	kind               TEXT NOT NULL,
	raw_fields         TEXT NOT NULL,
	attempts           TEXT NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'assigned', 'resolved', 'unresolvable')),
	assignee           TEXT NOT NULL DEFAULT '',
	resolution_payload TEXT,
	note               TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	resolved_at        TEXT
);

CREATE INDEX IF NOT EXISTS idx_resolution_requests_key ON resolution_requests(normalized_key);
CREATE INDEX IF NOT EXISTS idx_cache_entries_kind ON cache_entries(kind);
CREATE UNIQUE INDEX IF NOT EXISTS uq_escalation_open_key ON escalation_tickets(normalized_key)
	WHERE status IN ('pending', 'assigned');
CREATE INDEX IF NOT EXISTS idx_escalation_status ON escalation_tickets(status, created_at);
CREATE INDEX IF NOT EXISTS idx_escalation_key_resolved ON escalation_tickets(normalized_key, resolved_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Requests and attempts ---

func (s *SQLiteStore) RecordRequest(ctx context.Context, req model.Request) error {
	fields, err := marshalFields(req.Fields)
	if err != nil {
		return err
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resolution_requests (request_id, kind, raw_fields, normalized_key, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (request_id) DO NOTHING`,
		req.ID, string(req.Kind), string(fields), req.NormalizedKey, fmtTime(created),
	)
	return eris.Wrapf(err, "sqlite: insert request %s", req.ID)
}

func (s *SQLiteStore) RecordAttempts(ctx context.Context, attempts []model.Attempt) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin attempts tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, a := range attempts {
		var raw any
		if b := rawJSON(a.RawResult); b != nil {
			raw = string(b)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO provider_attempts
			(request_id, provider, tier_rank, started_at, duration_ms, raw_result, confidence, outcome, error_kind, error, validation, cost_usd)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (request_id, provider) DO NOTHING`,
			a.RequestID, a.Provider, a.TierRank, fmtTime(a.StartedAt), a.DurationMS, raw,
			a.Confidence, string(a.Outcome), a.ErrorKind, a.Error, a.Validation, a.CostUSD,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert attempt %s/%s", a.RequestID, a.Provider)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit attempts")
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, requestID string) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, provider, tier_rank, started_at, duration_ms, raw_result, confidence,
			outcome, error_kind, error, validation, cost_usd
		FROM provider_attempts WHERE request_id = ? ORDER BY tier_rank, started_at`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attempts %s", requestID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var started sqliteTime
		var raw sql.NullString
		var outcome string
		if err := rows.Scan(&a.RequestID, &a.Provider, &a.TierRank, &started, &a.DurationMS, &raw,
			&a.Confidence, &outcome, &a.ErrorKind, &a.Error, &a.Validation, &a.CostUSD); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.StartedAt = started.Time
		a.Outcome = model.Outcome(outcome)
		if raw.Valid {
			a.RawResult = []byte(raw.String)
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

// --- Cache ---

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	e, err := scanSQLiteCacheEntry(s.db.QueryRowContext(ctx,
		`UPDATE cache_entries SET access_count = access_count + 1, last_accessed_at = ?
		WHERE normalized_key = ? AND validated = 1
		RETURNING `+cacheColumns,
		fmtTime(s.now()), key,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cache entry %s", key)
	}
	return e, nil
}

func (s *SQLiteStore) CacheKeys(ctx context.Context, kind model.Kind) ([]model.CacheKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT normalized_key, last_accessed_at FROM cache_entries WHERE kind = ? AND validated = 1`,
		string(kind),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: cache keys %s", kind)
	}
	defer rows.Close() //nolint:errcheck

	var keys []model.CacheKey
	for rows.Next() {
		var k model.CacheKey
		var at sqliteTime
		if err := rows.Scan(&k.Key, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache key")
		}
		k.LastAccessedAt = at.Time
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: cache keys iterate")
}

func (s *SQLiteStore) UpsertCacheEntry(ctx context.Context, e model.CacheEntry) error {
	return sqliteUpsertCache(ctx, s.db, e, s.now())
}

// sqlExecer is satisfied by *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteUpsertCache(ctx context.Context, x sqlExecer, e model.CacheEntry, now time.Time) error {
	if err := checkPayload(e.NormalizedKey, e.ResultPayload); err != nil {
		return err
	}
	ts := fmtTime(now)
	_, err := x.ExecContext(ctx,
		`INSERT INTO cache_entries (`+cacheColumns+`)
		VALUES (?, ?, ?, ?, 1, ?, 0, ?, ?, ?)
		ON CONFLICT (normalized_key) DO UPDATE SET
			kind = excluded.kind,
			result_payload = excluded.result_payload,
			confidence = excluded.confidence,
			validated = 1,
			source_provider = excluded.source_provider,
			updated_at = excluded.updated_at`,
		e.NormalizedKey, string(e.Kind), string(e.ResultPayload), e.Confidence, e.SourceProvider, ts, ts, ts,
	)
	return eris.Wrapf(err, "sqlite: upsert cache entry %s", e.NormalizedKey)
}

func (s *SQLiteStore) MarkCacheStale(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET validated = 0, updated_at = ? WHERE normalized_key = ?`,
		fmtTime(s.now()), key,
	)
	return eris.Wrapf(err, "sqlite: mark cache stale %s", key)
}

func (s *SQLiteStore) ImportCacheEntries(ctx context.Context, entries []model.CacheEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	for _, e := range entries {
		if err := sqliteUpsertCache(ctx, tx, e, now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return int64(len(entries)), nil
}

// --- Escalation tickets ---

func (s *SQLiteStore) EnqueueTicket(ctx context.Context, t model.Ticket) (*model.Ticket, bool, error) {
	fields, attempts, err := marshalTicketParts(t)
	if err != nil {
		return nil, false, err
	}
	ts := fmtTime(s.now())

	for range 2 {
		var id string
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO escalation_tickets (ticket_id, normalized_key, kind, raw_fields, attempts, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
			ON CONFLICT (normalized_key) WHERE status IN ('pending', 'assigned') DO NOTHING
			RETURNING ticket_id`,
			t.ID, t.NormalizedKey, string(t.Kind), string(fields), string(attempts), ts, ts,
		).Scan(&id)
		if err == nil {
			created, err := s.GetTicket(ctx, id)
			return created, true, err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, eris.Wrapf(err, "sqlite: enqueue ticket %s", t.NormalizedKey)
		}

		open, err := scanSQLiteTicket(s.db.QueryRowContext(ctx,
			`SELECT `+ticketColumns+` FROM escalation_tickets
			WHERE normalized_key = ? AND status IN ('pending', 'assigned')`,
			t.NormalizedKey,
		))
		if err == nil {
			return open, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, eris.Wrapf(err, "sqlite: find open ticket %s", t.NormalizedKey)
		}
	}
	return nil, false, eris.Errorf("sqlite: enqueue ticket %s: open ticket vanished", t.NormalizedKey)
}

func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	t, err := scanSQLiteTicket(s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM escalation_tickets WHERE ticket_id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "ticket %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get ticket %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) LatestUnresolvable(ctx context.Context, key string) (*model.Ticket, error) {
	t, err := scanSQLiteTicket(s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM escalation_tickets
		WHERE normalized_key = ? AND status = 'unresolvable'
		ORDER BY resolved_at DESC LIMIT 1`,
		key,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest unresolvable %s", key)
	}
	return t, nil
}

func (s *SQLiteStore) ListTickets(ctx context.Context, filter TicketFilter) ([]model.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM escalation_tickets WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY created_at ASC LIMIT ? OFFSET ?`
	args = append(args, filter.limit(), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tickets")
	}
	defer rows.Close() //nolint:errcheck

	var tickets []model.Ticket
	for rows.Next() {
		t, err := scanSQLiteTicket(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ticket")
		}
		tickets = append(tickets, *t)
	}
	return tickets, eris.Wrap(rows.Err(), "sqlite: list tickets iterate")
}

func (s *SQLiteStore) AssignTicket(ctx context.Context, id, assignee string) (*model.Ticket, error) {
	t, err := scanSQLiteTicket(s.db.QueryRowContext(ctx,
		`UPDATE escalation_tickets SET status = 'assigned', assignee = ?, updated_at = ?
		WHERE ticket_id = ? AND status IN ('pending', 'assigned')
		RETURNING `+ticketColumns,
		assignee, fmtTime(s.now()), id,
	))
	return s.transitioned(ctx, id, t, err, "assign")
}

func (s *SQLiteStore) ResolveTicket(ctx context.Context, id string, res Resolution) (*model.Ticket, error) {
	now := s.now()
	ts := fmtTime(now)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin resolve tx")
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := scanSQLiteTicket(tx.QueryRowContext(ctx,
		`UPDATE escalation_tickets SET status = 'resolved', resolution_payload = ?,
			assignee = COALESCE(NULLIF(?, ''), assignee), resolved_at = ?, updated_at = ?
		WHERE ticket_id = ? AND status IN ('pending', 'assigned')
		RETURNING `+ticketColumns,
		string(res.Payload), res.ResolvedBy, ts, ts, id,
	))
	if err != nil {
		// Release the write lock before the follow-up read.
		_ = tx.Rollback()
		return s.transitioned(ctx, id, nil, err, "resolve")
	}
	if err := sqliteUpsertCache(ctx, tx, humanEntry(t, res.Payload, now), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit resolve %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) MarkUnresolvable(ctx context.Context, id, note string) (*model.Ticket, error) {
	ts := fmtTime(s.now())
	t, err := scanSQLiteTicket(s.db.QueryRowContext(ctx,
		`UPDATE escalation_tickets SET status = 'unresolvable', note = ?, resolved_at = ?, updated_at = ?
		WHERE ticket_id = ? AND status IN ('pending', 'assigned')
		RETURNING `+ticketColumns,
		note, ts, ts, id,
	))
	return s.transitioned(ctx, id, t, err, "mark unresolvable")
}

func (s *SQLiteStore) transitioned(ctx context.Context, id string, t *model.Ticket, err error, op string) (*model.Ticket, error) {
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(err, "sqlite: %s ticket %s", op, id)
	}
	cur, gerr := s.GetTicket(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, eris.Wrapf(ErrInvalidTransition, "%s ticket %s from %s", op, id, cur.Status)
}

// --- Stats ---

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Tickets: make(map[model.TicketStatus]int64)}
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(sum(CASE WHEN validated = 0 THEN 1 ELSE 0 END), 0), COALESCE(sum(access_count), 0)
		FROM cache_entries`,
	).Scan(&st.CacheEntries, &st.StaleEntries, &st.CacheReads)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cache stats")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM escalation_tickets GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: ticket stats")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ticket stats")
		}
		st.Tickets[model.TicketStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: ticket stats iterate")
	}

	var oldest sqliteTime
	err = s.db.QueryRowContext(ctx,
		`SELECT min(created_at) FROM escalation_tickets WHERE status IN ('pending', 'assigned')`,
	).Scan(&oldest)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: oldest open ticket")
	}
	if oldest.Valid {
		st.OldestOpenSince = &oldest.Time
	}
	return st, nil
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// sqliteTime scans a timestamp stored as text. The driver may also hand
// back a time.Time for columns it recognizes as dates.
type sqliteTime struct {
	Time  time.Time
	Valid bool
}

func (t *sqliteTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	}
	return eris.Errorf("sqlite: cannot scan %T into time", v)
}

func (t *sqliteTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return eris.Errorf("sqlite: unparseable time %q", s)
}

func scanSQLiteCacheEntry(row scannable) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var kind, payload string
	var created, updated, accessed sqliteTime
	err := row.Scan(&e.NormalizedKey, &kind, &payload, &e.Confidence, &e.Validated, &e.SourceProvider,
		&e.AccessCount, &created, &updated, &accessed)
	if err != nil {
		return nil, err
	}
	e.Kind = model.Kind(kind)
	e.ResultPayload = []byte(payload)
	e.CreatedAt, e.UpdatedAt, e.LastAccessedAt = created.Time, updated.Time, accessed.Time
	return &e, nil
}

func scanSQLiteTicket(row scannable) (*model.Ticket, error) {
	var t model.Ticket
	var kind, status, fields, attempts string
	var resolution sql.NullString
	var created, updated, resolved sqliteTime
	err := row.Scan(&t.ID, &t.NormalizedKey, &kind, &fields, &attempts, &status, &t.Assignee,
		&resolution, &t.Note, &created, &updated, &resolved)
	if err != nil {
		return nil, err
	}
	t.Kind = model.Kind(kind)
	t.Status = model.TicketStatus(status)
	t.CreatedAt, t.UpdatedAt = created.Time, updated.Time
	if resolved.Valid {
		r := resolved.Time
		t.ResolvedAt = &r
	}
	if resolution.Valid {
		t.ResolutionPayload = []byte(resolution.String)
	}
	if err := unmarshalTicketParts(&t, []byte(fields), []byte(attempts)); err != nil {
		return nil, err
	}
	return &t, nil
}
