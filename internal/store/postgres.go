package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/db"
	"github.com/sells-group/equipment-resolver/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const cacheColumns = `normalized_key, kind, result_payload, confidence, validated, source_provider, access_count, created_at, updated_at, last_accessed_at`

const ticketColumns = `ticket_id, normalized_key, kind, raw_fields, attempts, status, assignee, resolution_payload, note, created_at, updated_at, resolved_at`

const (
	pgGetCacheEntry = `UPDATE cache_entries SET access_count = access_count + 1, last_accessed_at = $2
		WHERE normalized_key = $1 AND validated
		RETURNING ` + cacheColumns

	pgUpsertCacheEntry = `INSERT INTO cache_entries (` + cacheColumns + `)
		VALUES ($1, $2, $3, $4, true, $5, 0, $6, $6, $6)
		ON CONFLICT (normalized_key) DO UPDATE SET
			kind = EXCLUDED.kind,
			result_payload = EXCLUDED.result_payload,
			confidence = EXCLUDED.confidence,
			validated = true,
			source_provider = EXCLUDED.source_provider,
			updated_at = EXCLUDED.updated_at`

	pgInsertAttempt = `INSERT INTO provider_attempts
		(request_id, provider, tier_rank, started_at, duration_ms, raw_result, confidence, outcome, error_kind, error, validation, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (request_id, provider) DO NOTHING`

	pgInsertRequest = `INSERT INTO resolution_requests (request_id, kind, raw_fields, normalized_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING`
)

// preparedStatements lists queries to prepare on each new connection for
// the hot resolution path.
var preparedStatements = map[string]string{
	"get_cache_entry":    pgGetCacheEntry,
	"upsert_cache_entry": pgUpsertCacheEntry,
	"insert_attempt":     pgInsertAttempt,
	"insert_request":     pgInsertRequest,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: utcNow}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership of
// the pool's lifetime.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: utcNow}
}

func utcNow() time.Time { return time.Now().UTC() }

const postgresMigration = `
CREATE TABLE IF NOT EXISTS resolution_requests (
	request_id     TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	raw_fields     JSONB NOT NULL,
	normalized_key TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS provider_attempts (
	request_id  TEXT NOT NULL REFERENCES resolution_requests(request_id),
	provider    TEXT NOT NULL,
	tier_rank   INTEGER NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	raw_result  JSONB,
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL CHECK (outcome IN ('accepted', 'rejected', 'failed')),
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	validation  TEXT NOT NULL DEFAULT '',
	cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (request_id, provider)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	normalized_key   TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	result_payload   JSON NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	validated        BOOLEAN NOT NULL DEFAULT true,
	source_provider  TEXT NOT NULL,
	access_count     BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS escalation_tickets (
	ticket_id          TEXT PRIMARY KEY,
	normalized_key     TEXT NOT NULL,
	kind               TEXT NOT NULL,
	raw_fields         JSONB NOT NULL,
	attempts           JSONB NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'assigned', 'resolved', 'unresolvable')),
	assignee           TEXT NOT NULL DEFAULT '',
	resolution_payload JSON,
	note               TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_resolution_requests_key ON resolution_requests(normalized_key);
CREATE INDEX IF NOT EXISTS idx_cache_entries_kind ON cache_entries(kind) WHERE validated;
CREATE UNIQUE INDEX IF NOT EXISTS uq_escalation_open_key ON escalation_tickets(normalized_key)
	WHERE status IN ('pending', 'assigned');
CREATE INDEX IF NOT EXISTS idx_escalation_status ON escalation_tickets(status, created_at);
CREATE INDEX IF NOT EXISTS idx_escalation_key_resolved ON escalation_tickets(normalized_key, resolved_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Requests and attempts ---

func (s *PostgresStore) RecordRequest(ctx context.Context, req model.Request) error {
	fields, err := marshalFields(req.Fields)
	if err != nil {
		return err
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.pool.Exec(ctx, pgInsertRequest,
		req.ID, string(req.Kind), fields, req.NormalizedKey, created.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert request %s", req.ID)
}

func (s *PostgresStore) RecordAttempts(ctx context.Context, attempts []model.Attempt) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin attempts tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, a := range attempts {
		var raw any
		if b := rawJSON(a.RawResult); b != nil {
			raw = b
		}
		_, err := tx.Exec(ctx, pgInsertAttempt,
			a.RequestID, a.Provider, a.TierRank, a.StartedAt.UTC(), a.DurationMS, raw,
			a.Confidence, string(a.Outcome), a.ErrorKind, a.Error, a.Validation, a.CostUSD,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert attempt %s/%s", a.RequestID, a.Provider)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit attempts")
}

func (s *PostgresStore) ListAttempts(ctx context.Context, requestID string) ([]model.Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT request_id, provider, tier_rank, started_at, duration_ms, raw_result, confidence,
			outcome, error_kind, error, validation, cost_usd
		FROM provider_attempts WHERE request_id = $1 ORDER BY tier_rank, started_at`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attempts %s", requestID)
	}
	defer rows.Close()

	var out []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var raw *[]byte
		var outcome string
		if err := rows.Scan(&a.RequestID, &a.Provider, &a.TierRank, &a.StartedAt, &a.DurationMS, &raw,
			&a.Confidence, &outcome, &a.ErrorKind, &a.Error, &a.Validation, &a.CostUSD); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.Outcome = model.Outcome(outcome)
		if raw != nil {
			a.RawResult = *raw
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

// --- Cache ---

func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	e, err := scanCacheEntry(s.pool.QueryRow(ctx, pgGetCacheEntry, key, s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cache entry %s", key)
	}
	return e, nil
}

func (s *PostgresStore) CacheKeys(ctx context.Context, kind model.Kind) ([]model.CacheKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT normalized_key, last_accessed_at FROM cache_entries WHERE kind = $1 AND validated`,
		string(kind),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: cache keys %s", kind)
	}
	defer rows.Close()

	var keys []model.CacheKey
	for rows.Next() {
		var k model.CacheKey
		if err := rows.Scan(&k.Key, &k.LastAccessedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: cache keys iterate")
}

func (s *PostgresStore) UpsertCacheEntry(ctx context.Context, e model.CacheEntry) error {
	return upsertCacheExec(ctx, s.pool.Exec, e, s.now())
}

// execFunc is the Exec method of either the pool or a transaction.
type execFunc func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

func upsertCacheExec(ctx context.Context, exec execFunc, e model.CacheEntry, now time.Time) error {
	if err := checkPayload(e.NormalizedKey, e.ResultPayload); err != nil {
		return err
	}
	_, err := exec(ctx, pgUpsertCacheEntry,
		e.NormalizedKey, string(e.Kind), []byte(e.ResultPayload), e.Confidence, e.SourceProvider, now,
	)
	return eris.Wrapf(err, "postgres: upsert cache entry %s", e.NormalizedKey)
}

func (s *PostgresStore) MarkCacheStale(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE cache_entries SET validated = false, updated_at = $2 WHERE normalized_key = $1`,
		key, s.now(),
	)
	return eris.Wrapf(err, "postgres: mark cache stale %s", key)
}

// ImportCacheEntries seeds the cache through a COPY-backed bulk upsert.
// Access counters and creation times of existing keys are preserved.
func (s *PostgresStore) ImportCacheEntries(ctx context.Context, entries []model.CacheEntry) (int64, error) {
	now := s.now()
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		if err := checkPayload(e.NormalizedKey, e.ResultPayload); err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			e.NormalizedKey, string(e.Kind), string(e.ResultPayload), e.Confidence, true,
			e.SourceProvider, int64(0), now, now, now,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "cache_entries",
		Columns: []string{
			"normalized_key", "kind", "result_payload", "confidence", "validated",
			"source_provider", "access_count", "created_at", "updated_at", "last_accessed_at",
		},
		ConflictKeys: []string{"normalized_key"},
		UpdateCols:   []string{"kind", "result_payload", "confidence", "validated", "source_provider", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: import cache entries")
}

// --- Escalation tickets ---

func (s *PostgresStore) EnqueueTicket(ctx context.Context, t model.Ticket) (*model.Ticket, bool, error) {
	fields, attempts, err := marshalTicketParts(t)
	if err != nil {
		return nil, false, err
	}
	now := s.now()

	// A concurrent resolve can close the open ticket between the conflicting
	// insert and the lookup, so try twice.
	for range 2 {
		var id string
		err = s.pool.QueryRow(ctx,
			`INSERT INTO escalation_tickets (ticket_id, normalized_key, kind, raw_fields, attempts, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6)
			ON CONFLICT (normalized_key) WHERE status IN ('pending', 'assigned') DO NOTHING
			RETURNING ticket_id`,
			t.ID, t.NormalizedKey, string(t.Kind), fields, attempts, now,
		).Scan(&id)
		if err == nil {
			created, err := s.GetTicket(ctx, id)
			return created, true, err
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, eris.Wrapf(err, "postgres: enqueue ticket %s", t.NormalizedKey)
		}

		open, err := scanTicket(s.pool.QueryRow(ctx,
			`SELECT `+ticketColumns+` FROM escalation_tickets
			WHERE normalized_key = $1 AND status IN ('pending', 'assigned')`,
			t.NormalizedKey,
		))
		if err == nil {
			return open, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, eris.Wrapf(err, "postgres: find open ticket %s", t.NormalizedKey)
		}
	}
	return nil, false, eris.Errorf("postgres: enqueue ticket %s: open ticket vanished", t.NormalizedKey)
}

func (s *PostgresStore) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM escalation_tickets WHERE ticket_id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "ticket %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get ticket %s", id)
	}
	return t, nil
}

func (s *PostgresStore) LatestUnresolvable(ctx context.Context, key string) (*model.Ticket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM escalation_tickets
		WHERE normalized_key = $1 AND status = 'unresolvable'
		ORDER BY resolved_at DESC LIMIT 1`,
		key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest unresolvable %s", key)
	}
	return t, nil
}

func (s *PostgresStore) ListTickets(ctx context.Context, filter TicketFilter) ([]model.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM escalation_tickets WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	query += ` ORDER BY created_at ASC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tickets")
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan ticket")
		}
		tickets = append(tickets, *t)
	}
	return tickets, eris.Wrap(rows.Err(), "postgres: list tickets iterate")
}

func (s *PostgresStore) AssignTicket(ctx context.Context, id, assignee string) (*model.Ticket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx,
		`UPDATE escalation_tickets SET status = 'assigned', assignee = $2, updated_at = $3
		WHERE ticket_id = $1 AND status IN ('pending', 'assigned')
		RETURNING `+ticketColumns,
		id, assignee, s.now(),
	))
	return s.transitioned(ctx, id, t, err, "assign")
}

// ResolveTicket closes the ticket and writes the human answer into the
// cache in one transaction.
func (s *PostgresStore) ResolveTicket(ctx context.Context, id string, res Resolution) (*model.Ticket, error) {
	now := s.now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin resolve tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := scanTicket(tx.QueryRow(ctx,
		`UPDATE escalation_tickets SET status = 'resolved', resolution_payload = $2,
			assignee = COALESCE(NULLIF($3, ''), assignee), resolved_at = $4, updated_at = $4
		WHERE ticket_id = $1 AND status IN ('pending', 'assigned')
		RETURNING `+ticketColumns,
		id, []byte(res.Payload), res.ResolvedBy, now,
	))
	if err != nil {
		return s.transitioned(ctx, id, nil, err, "resolve")
	}
	if err := upsertCacheExec(ctx, tx.Exec, humanEntry(t, res.Payload, now), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrapf(err, "postgres: commit resolve %s", id)
	}
	return t, nil
}

func (s *PostgresStore) MarkUnresolvable(ctx context.Context, id, note string) (*model.Ticket, error) {
	now := s.now()
	t, err := scanTicket(s.pool.QueryRow(ctx,
		`UPDATE escalation_tickets SET status = 'unresolvable', note = $2, resolved_at = $3, updated_at = $3
		WHERE ticket_id = $1 AND status IN ('pending', 'assigned')
		RETURNING `+ticketColumns,
		id, note, now,
	))
	return s.transitioned(ctx, id, t, err, "mark unresolvable")
}

// transitioned maps a conditional update's no-row result to ErrNotFound or
// ErrInvalidTransition.
func (s *PostgresStore) transitioned(ctx context.Context, id string, t *model.Ticket, err error, op string) (*model.Ticket, error) {
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: %s ticket %s", op, id)
	}
	cur, gerr := s.GetTicket(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, eris.Wrapf(ErrInvalidTransition, "%s ticket %s from %s", op, id, cur.Status)
}

// --- Stats ---

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Tickets: make(map[model.TicketStatus]int64)}
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE NOT validated), COALESCE(sum(access_count), 0)::bigint
		FROM cache_entries`,
	).Scan(&st.CacheEntries, &st.StaleEntries, &st.CacheReads)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cache stats")
	}

	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM escalation_tickets GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: ticket stats")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ticket stats")
		}
		st.Tickets[model.TicketStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: ticket stats iterate")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT min(created_at) FROM escalation_tickets WHERE status IN ('pending', 'assigned')`,
	).Scan(&st.OldestOpenSince)
	return st, eris.Wrap(err, "postgres: oldest open ticket")
}

// --- scanning ---

func scanCacheEntry(row pgx.Row) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var kind string
	var payload []byte
	err := row.Scan(&e.NormalizedKey, &kind, &payload, &e.Confidence, &e.Validated, &e.SourceProvider,
		&e.AccessCount, &e.CreatedAt, &e.UpdatedAt, &e.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = model.Kind(kind)
	e.ResultPayload = payload
	return &e, nil
}

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	var t model.Ticket
	var kind, status string
	var fields, attempts, resolution []byte
	err := row.Scan(&t.ID, &t.NormalizedKey, &kind, &fields, &attempts, &status, &t.Assignee,
		&resolution, &t.Note, &t.CreatedAt, &t.UpdatedAt, &t.ResolvedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = model.Kind(kind)
	t.Status = model.TicketStatus(status)
	if resolution != nil {
		t.ResolutionPayload = resolution
	}
	if err := unmarshalTicketParts(&t, fields, attempts); err != nil {
		return nil, err
	}
	return &t, nil
}
