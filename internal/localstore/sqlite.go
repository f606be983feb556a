package localstore

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

// SQLiteStore is a Store persisted in a single sqlite database file.
type SQLiteStore struct {
	path   string
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	// serializes sequence assignment across writers
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{
		path:   path,
		openDB: sql.Open,
	}, nil
}

// Path returns the database file location, for callers that want to watch it
// for out-of-band writes.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite3", s.path+"?_busy_timeout=5000")
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()

		const schema = `
			CREATE TABLE IF NOT EXISTS documents (
				doc_id   TEXT PRIMARY KEY,
				sequence INTEGER NOT NULL,
				deleted  INTEGER NOT NULL DEFAULT 0,
				body     BLOB
			);
			CREATE INDEX IF NOT EXISTS documents_sequence_idx ON documents (sequence);`
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) Put(docID string, body []byte) (uint64, error) {
	return s.write(docID, body, false)
}

func (s *SQLiteStore) Delete(docID string) (uint64, error) {
	if _, err := s.Document(docID); err != nil {
		return 0, err
	}
	return s.write(docID, nil, true)
}

func (s *SQLiteStore) write(docID string, body []byte, deleted bool) (uint64, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return 0, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var last uint64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM documents").Scan(&last); err != nil {
		return 0, err
	}
	sequence := last + 1
	deletedFlag := 0
	if deleted {
		deletedFlag = 1
	}
	const upsert = `
		INSERT INTO documents (doc_id, sequence, deleted, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (doc_id)
		DO UPDATE SET sequence = excluded.sequence, deleted = excluded.deleted, body = excluded.body`
	if _, err := tx.ExecContext(ctx, upsert, docID, sequence, deletedFlag, body); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return sequence, nil
}

func (s *SQLiteStore) Document(docID string) (Document, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return Document{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var doc Document
	var deletedFlag int
	err := s.db.QueryRowContext(ctx,
		"SELECT doc_id, sequence, deleted, body FROM documents WHERE doc_id = ?", docID).
		Scan(&doc.ID, &doc.Sequence, &deletedFlag, &doc.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	doc.Deleted = deletedFlag != 0
	return doc, nil
}

func (s *SQLiteStore) DocsSince(sequence uint64) ([]Document, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT doc_id, sequence, deleted, body FROM documents WHERE sequence > ? ORDER BY sequence ASC", sequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]Document, 0)
	for rows.Next() {
		var doc Document
		var deletedFlag int
		if err := rows.Scan(&doc.ID, &doc.Sequence, &deletedFlag, &doc.Body); err != nil {
			return nil, err
		}
		doc.Deleted = deletedFlag != 0
		results = append(results, doc)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) LastSequence() (uint64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var last uint64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM documents").Scan(&last)
	return last, err
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
