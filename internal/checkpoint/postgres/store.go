// Package postgres persists queue and identity-pool state across
// restarts.
//
// State is written as JSON documents, one row per job and per identity,
// replaced wholesale inside a transaction on every save. The engine
// checkpoints periodically; losing the window since the last save is
// acceptable, a torn checkpoint is not.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

const (
	jobsTable       = "scrape_checkpoint_jobs"
	identitiesTable = "scrape_checkpoint_identities"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements scrape.CheckpointStore on Postgres.
type Store struct {
	pool pgxPool
}

// New creates a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the checkpoint tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, table := range []string{jobsTable, identitiesTable} {
		query := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`, table)
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	return nil
}

// Save replaces the stored checkpoint with the given state atomically.
func (s *Store) Save(ctx context.Context, jobs []scrape.Job, identities []scrape.Identity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, jobsTable)); err != nil {
		return fmt.Errorf("clear jobs table: %w", err)
	}
	for _, job := range jobs {
		doc, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		query := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)`, jobsTable)
		if _, err := tx.Exec(ctx, query, job.ID, doc); err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, identitiesTable)); err != nil {
		return fmt.Errorf("clear identities table: %w", err)
	}
	for _, identity := range identities {
		doc, err := json.Marshal(identity)
		if err != nil {
			return fmt.Errorf("marshal identity %s: %w", identity.ID, err)
		}
		query := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)`, identitiesTable)
		if _, err := tx.Exec(ctx, query, identity.ID, doc); err != nil {
			return fmt.Errorf("insert identity %s: %w", identity.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return nil
}

// Restore loads the last checkpoint. Claim recovery (claimed back to
// queued) is the queue's job on reload, not the store's.
func (s *Store) Restore(ctx context.Context) ([]scrape.Job, []scrape.Identity, error) {
	var jobs []scrape.Job
	if err := s.loadDocs(ctx, jobsTable, func(doc []byte) error {
		var job scrape.Job
		if err := json.Unmarshal(doc, &job); err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	}); err != nil {
		return nil, nil, fmt.Errorf("restore jobs: %w", err)
	}

	var identities []scrape.Identity
	if err := s.loadDocs(ctx, identitiesTable, func(doc []byte) error {
		var identity scrape.Identity
		if err := json.Unmarshal(doc, &identity); err != nil {
			return err
		}
		identities = append(identities, identity)
		return nil
	}); err != nil {
		return nil, nil, fmt.Errorf("restore identities: %w", err)
	}
	return jobs, identities, nil
}

func (s *Store) loadDocs(ctx context.Context, table string, decode func([]byte) error) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT doc FROM %s`, table))
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return fmt.Errorf("scan %s row: %w", table, err)
		}
		if err := decode(doc); err != nil {
			return fmt.Errorf("decode %s row: %w", table, err)
		}
	}
	return rows.Err()
}
