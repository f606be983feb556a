package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "relaysync_checkpoints"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores checkpoint states in a postgres table, created
// lazily on first use.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				checkpoint_key  TEXT PRIMARY KEY,
				local_sequence  BIGINT NOT NULL,
				remote_sequence TEXT NOT NULL DEFAULT '',
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) Load(key string) (*State, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT local_sequence, remote_sequence FROM %s WHERE checkpoint_key = $1",
		postgresQuoteIdentifier(b.tableName))
	var state State
	err := b.db.QueryRowContext(ctx, query, key).Scan(&state.LocalSequence, &state.RemoteSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *PostgresBackend) Save(key string, state *State) error {
	key = strings.TrimSpace(key)
	if key == "" || state == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (checkpoint_key, local_sequence, remote_sequence, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (checkpoint_key)
		DO UPDATE SET local_sequence = EXCLUDED.local_sequence,
		              remote_sequence = EXCLUDED.remote_sequence,
		              updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, key, int64(state.LocalSequence), state.RemoteSequence)
	return err
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
