package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteBackend stores checkpoint states in a sqlite database file, so a
// single-process deployment gets durable checkpoints without a server.
type SQLiteBackend struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteBackend{
		path:   path,
		openDB: sql.Open,
	}, nil
}

func (b *SQLiteBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("sqlite3", b.path+"?_busy_timeout=5000")
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()

		const schema = `
			CREATE TABLE IF NOT EXISTS checkpoints (
				checkpoint_key  TEXT PRIMARY KEY,
				local_sequence  INTEGER NOT NULL,
				remote_sequence TEXT NOT NULL DEFAULT ''
			)`
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLiteBackend) Load(key string) (*State, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var state State
	err := b.db.QueryRowContext(ctx,
		"SELECT local_sequence, remote_sequence FROM checkpoints WHERE checkpoint_key = ?", key).
		Scan(&state.LocalSequence, &state.RemoteSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *SQLiteBackend) Save(key string, state *State) error {
	key = strings.TrimSpace(key)
	if key == "" || state == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	const upsert = `
		INSERT INTO checkpoints (checkpoint_key, local_sequence, remote_sequence)
		VALUES (?, ?, ?)
		ON CONFLICT (checkpoint_key)
		DO UPDATE SET local_sequence = excluded.local_sequence,
		              remote_sequence = excluded.remote_sequence`
	_, err := b.db.ExecContext(ctx, upsert, key, int64(state.LocalSequence), state.RemoteSequence)
	return err
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
