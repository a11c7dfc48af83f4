// Package store persists committed batches to PostgreSQL and serves the
// query surface of the API.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/floodgate/floodgate/internal/config"
	"github.com/floodgate/floodgate/internal/ingest"
)

// StoredMessage is one persisted row of the messages table
type StoredMessage struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	ChannelID  int64     `json:"channel_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Querier is the store surface the API handlers depend on
type Querier interface {
	Recent(ctx context.Context, limit int) ([]StoredMessage, error)
	DeleteAll(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Store wraps the connection pool
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New opens the pool and verifies connectivity
func New(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse store config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the store is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate brings the schema up to date using the embedded migration files.
// goose drives a database/sql connection, separate from the runtime pool.
func Migrate(cfg config.StoreConfig) error {
	db, err := sql.Open("pgx", cfg.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(EmbeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return nil
}

// InsertBatch writes one committed batch inside a transaction using the
// COPY protocol. Either every row lands or none do.
func (s *Store) InsertBatch(ctx context.Context, msgs []*ingest.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Warn("failed to rollback transaction", "error", err)
		}
	}()

	copyCount, err := tx.Conn().CopyFrom(
		ctx,
		pgx.Identifier{"messages"},
		[]string{"user_id", "channel_id", "content", "created_at"},
		pgx.CopyFromSlice(len(msgs), func(i int) ([]interface{}, error) {
			m := msgs[i]
			return []interface{}{m.UserID, m.ChannelID, m.Content, m.CreatedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("COPY operation failed: %w", err)
	}
	if copyCount != int64(len(msgs)) {
		return fmt.Errorf("COPY count mismatch: expected %d, got %d", len(msgs), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Recent returns the most recently persisted rows, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]StoredMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, channel_id, content, created_at, inserted_at
		 FROM messages
		 ORDER BY inserted_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, limit)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChannelID, &m.Content, &m.CreatedAt, &m.InsertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message rows: %w", err)
	}
	return msgs, nil
}

// DeleteAll removes every row and reports how many were deleted
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
