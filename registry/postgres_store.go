package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// MaxOpenConns/MaxIdleConns/ConnMaxLifetime bound the connection pool
	// a bounded connection pool with health-checked leases.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// StatementTimeout is the Postgres-side busy/lock timeout applied to
	// every session, a generous busy/lock timeout.
	StatementTimeout time.Duration
}

func (c *PostgresConfig) connectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s statement_timeout=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode, c.StatementTimeout.Milliseconds())
}

// PostgresStore implements Store with PostgreSQL persistence: durable
// write-ahead semantics and row-level locking come from Postgres itself;
// AllocateEndpoint uses pg_advisory_lock for the network-wide critical
// section around endpoint reservation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection to PostgreSQL and runs
// migrations, matching the conservative defaults the rest of the formix
// ambient stack uses for its own stores.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.StatementTimeout == 0 {
		cfg.StatementTimeout = 30 * time.Second
	}

	db, err := sql.Open("postgres", cfg.connectionString())
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging registry database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running registry migrations: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id         VARCHAR(64) PRIMARY KEY,
		role       VARCHAR(16) NOT NULL,
		endpoint   VARCHAR(256) NOT NULL,
		status     VARCHAR(16) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_endpoint_active
		ON nodes(endpoint) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS computations (
		id                VARCHAR(64) PRIMARY KEY,
		proposer_id       VARCHAR(64) NOT NULL,
		coordinator_ids   JSONB NOT NULL,
		prompt            TEXT NOT NULL,
		schema_tag        TEXT NOT NULL,
		deadline          TIMESTAMPTZ NOT NULL,
		min_participants  INTEGER NOT NULL,
		status            VARCHAR(16) NOT NULL,
		result            BIGINT,
		participants_count INTEGER,
		failure_reason    VARCHAR(32),
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_computations_status ON computations(status);
	`
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// withRetry retries transient Postgres failures (connection resets, lock
// timeouts) with bounded exponential backoff; anything it gives up on is
// returned unchanged to the caller.
func withRetry(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(fn, b)
}

func (s *PostgresStore) SaveNode(ctx context.Context, n *Node) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO nodes (id, role, endpoint, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, n.ID, string(n.Role), n.Endpoint, string(n.Status), n.CreatedAt)
		if isUniqueViolation(err) {
			return backoff.Permanent(ErrAlreadyExists)
		}
		return err
	})
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var n Node
	var role, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, endpoint, status, created_at FROM nodes WHERE id = $1
	`, id).Scan(&n.ID, &role, &n.Endpoint, &status, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Role, n.Status = Role(role), NodeStatus(status)
	return &n, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, role, endpoint, status, created_at FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		var n Node
		var role, status string
		if err := rows.Scan(&n.ID, &role, &n.Endpoint, &status, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Role, n.Status = Role(role), NodeStatus(status)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateNodeStatus(ctx context.Context, id string, status NodeStatus) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE nodes SET status = $2 WHERE id = $1`, id, string(status))
		if err != nil {
			return err
		}
		return requireRowAffected(res)
	})
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id)
		if err != nil {
			return err
		}
		return requireRowAffected(res)
	})
}

func (s *PostgresStore) SaveComputation(ctx context.Context, c *Computation) error {
	coordIDs, err := json.Marshal(c.Coordinators)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO computations
				(id, proposer_id, coordinator_ids, prompt, schema_tag, deadline, min_participants, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, c.ID, c.ProposerID, coordIDs, c.Prompt, c.SchemaTag, c.Deadline, c.MinParticipants, string(c.Status), c.CreatedAt)
		if isUniqueViolation(err) {
			return backoff.Permanent(ErrAlreadyExists)
		}
		return err
	})
}

func (s *PostgresStore) GetComputation(ctx context.Context, id string) (*Computation, error) {
	return s.scanComputation(s.db.QueryRowContext(ctx, `
		SELECT id, proposer_id, coordinator_ids, prompt, schema_tag, deadline, min_participants,
		       status, result, participants_count, failure_reason, created_at
		FROM computations WHERE id = $1
	`, id))
}

func (s *PostgresStore) scanComputation(row *sql.Row) (*Computation, error) {
	var c Computation
	var coordIDs []byte
	var status string
	var result sql.NullInt64
	var participants sql.NullInt32
	var failureReason sql.NullString

	err := row.Scan(&c.ID, &c.ProposerID, &coordIDs, &c.Prompt, &c.SchemaTag, &c.Deadline,
		&c.MinParticipants, &status, &result, &participants, &failureReason, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(coordIDs, &c.Coordinators); err != nil {
		return nil, fmt.Errorf("decoding coordinator_ids: %w", err)
	}
	c.Status = ComputationStatus(status)
	if result.Valid {
		v := uint32(result.Int64)
		c.Result = &v
	}
	if participants.Valid {
		v := int(participants.Int32)
		c.Participants = &v
	}
	if failureReason.Valid {
		c.FailureReason = FailureReason(failureReason.String)
	}
	return &c, nil
}

func (s *PostgresStore) ListComputations(ctx context.Context) ([]*Computation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposer_id, coordinator_ids, prompt, schema_tag, deadline, min_participants,
		       status, result, participants_count, failure_reason, created_at
		FROM computations
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Computation
	for rows.Next() {
		var c Computation
		var coordIDs []byte
		var status string
		var result sql.NullInt64
		var participants sql.NullInt32
		var failureReason sql.NullString

		if err := rows.Scan(&c.ID, &c.ProposerID, &coordIDs, &c.Prompt, &c.SchemaTag, &c.Deadline,
			&c.MinParticipants, &status, &result, &participants, &failureReason, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(coordIDs, &c.Coordinators); err != nil {
			return nil, fmt.Errorf("decoding coordinator_ids: %w", err)
		}
		c.Status = ComputationStatus(status)
		if result.Valid {
			v := uint32(result.Int64)
			c.Result = &v
		}
		if participants.Valid {
			v := int(participants.Int32)
			c.Participants = &v
		}
		if failureReason.Valid {
			c.FailureReason = FailureReason(failureReason.String)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpdateComputationStatus loads the row, applies mutate, and writes it back
// inside a transaction so the read-modify-write is atomic per computation
// id.
func (s *PostgresStore) UpdateComputationStatus(ctx context.Context, id string, mutate func(c *Computation) error) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		row := tx.QueryRowContext(ctx, `
			SELECT id, proposer_id, coordinator_ids, prompt, schema_tag, deadline, min_participants,
			       status, result, participants_count, failure_reason, created_at
			FROM computations WHERE id = $1 FOR UPDATE
		`, id)

		c, err := s.scanComputation(row)
		if err != nil {
			if err == ErrNotFound {
				return backoff.Permanent(err)
			}
			return err
		}

		if err := mutate(c); err != nil {
			return backoff.Permanent(err)
		}

		coordIDs, err := json.Marshal(c.Coordinators)
		if err != nil {
			return backoff.Permanent(err)
		}

		var result sql.NullInt64
		if c.Result != nil {
			result = sql.NullInt64{Int64: int64(*c.Result), Valid: true}
		}
		var participants sql.NullInt32
		if c.Participants != nil {
			participants = sql.NullInt32{Int32: int32(*c.Participants), Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE computations
			SET coordinator_ids = $2, status = $3, result = $4, participants_count = $5, failure_reason = $6
			WHERE id = $1
		`, id, coordIDs, string(c.Status), result, participants, string(c.FailureReason))
		if err != nil {
			return err
		}

		return tx.Commit()
	})
}

// AllocateEndpoint runs fn while holding a session-scoped Postgres advisory
// lock, giving cross-process mutual exclusion for endpoint allocation even
// when multiple façade processes share one registry.
func (s *PostgresStore) AllocateEndpoint(ctx context.Context, fn func() (string, error)) (string, error) {
	const advisoryLockKey = 0x666f726d // "form" — arbitrary fixed lock key for this critical section

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, int64(advisoryLockKey)); err != nil {
		return "", fmt.Errorf("acquiring endpoint advisory lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, int64(advisoryLockKey)) //nolint:errcheck

	return fn()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// lib/pq reports unique_violation as SQLSTATE 23505; avoid importing
	// its pq.Error type here purely for a string compare on driver-
	// specific error text.
	return containsAny(err.Error(), "duplicate key value", "unique constraint")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
