package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/beingmeta/concourse/internal/config"
	"github.com/beingmeta/concourse/internal/errors"
	"github.com/beingmeta/concourse/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists writes as rows in a single append-only table.
//
// Rows carry the decomposed identity for lookups and the full serialized
// write. A seq column preserves acceptance order.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger

	insertSQL  string
	verifySQL  string
	historySQL string
	replaySQL  string
}

// NewPostgresStore connects to cfg.DSN and ensures the table exists
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, errors.Unavailable("failed to create postgres pool", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Unavailable("failed to connect to postgres", err)
	}

	s := newPostgresStore(pool, cfg.Table, logger)
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Postgres store ready", zap.String("table", s.table))
	return s, nil
}

func newPostgresStore(pool *pgxpool.Pool, table string, logger *zap.Logger) *PostgresStore {
	t := pgx.Identifier{table}.Sanitize()
	return &PostgresStore{
		pool:   pool,
		table:  table,
		logger: logger,
		insertSQL: fmt.Sprintf(`
			INSERT INTO %s (record, key, value_type, quantity, action, ts, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, t),
		verifySQL: fmt.Sprintf(`
			SELECT action FROM %s
			WHERE record = $1 AND key = $2 AND value_type = $3 AND quantity = $4 AND ts <= $5
			ORDER BY seq DESC
			LIMIT 1`, t),
		historySQL: fmt.Sprintf(`
			SELECT payload FROM %s
			WHERE record = $1 AND key = $2
			ORDER BY seq ASC`, t),
		replaySQL: fmt.Sprintf(`SELECT payload FROM %s ORDER BY seq ASC`, t),
	}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	t := pgx.Identifier{s.table}.Sanitize()
	idx := pgx.Identifier{s.table + "_identity_idx"}.Sanitize()
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq        BIGSERIAL PRIMARY KEY,
				record     BIGINT   NOT NULL,
				key        TEXT     NOT NULL,
				value_type SMALLINT NOT NULL,
				quantity   BYTEA    NOT NULL,
				action     SMALLINT NOT NULL,
				ts         BIGINT   NOT NULL,
				payload    BYTEA    NOT NULL
			)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (record, key, value_type, quantity, seq)`, idx, t),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.InternalError("failed to create postgres schema", err)
		}
	}
	return nil
}

// Accept inserts w in its own transaction
func (s *PostgresStore) Accept(ctx context.Context, w *model.Write, sync bool) error {
	return s.AcceptBatch(ctx, []*model.Write{w}, sync)
}

// AcceptBatch inserts writes in one transaction, queued as a single pgx batch.
// Without sync the transaction commits with synchronous_commit off.
func (s *PostgresStore) AcceptBatch(ctx context.Context, writes []*model.Write, sync bool) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if !sync {
		if _, err := tx.Exec(ctx, "SET LOCAL synchronous_commit TO OFF"); err != nil {
			return fmt.Errorf("failed to relax commit: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, w := range writes {
		batch.Queue(s.insertSQL,
			w.Record(),
			w.Key(),
			int16(w.Value().Type()),
			w.Value().QuantityBytes(),
			int16(w.Action()),
			w.Timestamp(),
			w.Bytes(),
		)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range writes {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to insert write %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit writes: %w", err)
	}
	return nil
}

// Verify reports whether w's value is present in (key, record) as of timestamp
func (s *PostgresStore) Verify(ctx context.Context, w *model.Write, timestamp int64) (bool, error) {
	var action int16
	err := s.pool.QueryRow(ctx, s.verifySQL,
		w.Record(),
		w.Key(),
		int16(w.Value().Type()),
		w.Value().QuantityBytes(),
		timestamp,
	).Scan(&action)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to verify write: %w", err)
	}
	return model.Action(action) == model.ActionAdd, nil
}

// History returns the writes accepted for (key, record), oldest first
func (s *PostgresStore) History(ctx context.Context, key string, record int64) ([]*model.Write, error) {
	rows, err := s.pool.Query(ctx, s.historySQL, record, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []*model.Write
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan write: %w", err)
		}
		w, err := model.WriteFromBytes(payload)
		if err != nil {
			return nil, err
		}
		history = append(history, w)
	}
	return history, rows.Err()
}

// Replay streams every accepted write in acceptance order
func (s *PostgresStore) Replay(ctx context.Context, fn func(*model.Write) error) error {
	rows, err := s.pool.Query(ctx, s.replaySQL)
	if err != nil {
		return fmt.Errorf("failed to query writes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("failed to scan write: %w", err)
		}
		w, err := model.WriteFromBytes(payload)
		if err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Ping checks a pooled connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
