// Package postgres provides Postgres-backed persistence for campaigns,
// tasks, and extracted places.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgx operations the repositories use. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// db adds the pool-level operations the Store itself needs. pgxmock pools
// satisfy it as well, which is what the unit tests rely on.
type db interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements extraction.Store on top of a pgx connection pool.
type Store struct {
	db db
}

// New connects a pool using the provided config and ensures the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
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
	s := &Store{db: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB constructs a store from an existing pool (primarily for testing).
func NewWithDB(conn db) *Store {
	return &Store{db: conn}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// WithinTx runs fn inside one transaction. The unit of work commits when fn
// returns nil and rolls back on error or panic.
func (s *Store) WithinTx(ctx context.Context, fn func(uow extraction.UnitOfWork) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err := fn(&unitOfWork{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// View returns repositories for read-side access outside a transaction.
func (s *Store) View() extraction.UnitOfWork {
	return &unitOfWork{q: s.db}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.db.Close()
}

// unitOfWork binds the repositories to one querier, either a transaction or
// the bare pool.
type unitOfWork struct {
	q querier
}

func (u *unitOfWork) Campaigns() extraction.CampaignRepository {
	return &campaignRepo{q: u.q}
}

func (u *unitOfWork) Tasks() extraction.TaskRepository {
	return &taskRepo{q: u.q}
}

func (u *unitOfWork) Places() extraction.PlaceRepository {
	return &placeRepo{q: u.q}
}
