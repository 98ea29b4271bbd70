package snapshot

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the snapshot database. Postgres URLs go through the pgx
// driver; a "sqlite://path" URL selects the sqlite3 driver instead.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	driver, dsn := driverFor(databaseURL)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers anyway, and :memory: databases are
		// per-connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

func driverFor(databaseURL string) (driver, dsn string) {
	if rest, ok := strings.CutPrefix(databaseURL, "sqlite://"); ok {
		return "sqlite3", rest
	}
	return "pgx", databaseURL
}

// SQLStore keeps snapshots in a single table. State is stored base64-encoded
// in a text column so the same statements run on postgres and sqlite.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	const create = `
		CREATE TABLE IF NOT EXISTS snapshots (
			document_id TEXT NOT NULL PRIMARY KEY,
			reference TEXT NOT NULL UNIQUE,
			seq BIGINT NOT NULL,
			state TEXT NOT NULL,
			saved_at TIMESTAMP NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("ensure snapshots table: %w", err)
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	const upsert = `
		INSERT INTO snapshots (document_id, reference, seq, state, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id) DO UPDATE
		SET seq = excluded.seq, state = excluded.state, saved_at = excluded.saved_at
		WHERE excluded.seq >= snapshots.seq
	`
	_, err := s.db.ExecContext(ctx, upsert,
		rec.DocumentID, rec.Reference, int64(rec.Seq),
		base64.StdEncoding.EncodeToString(rec.State), rec.SavedAt.UTC())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", rec.DocumentID, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, documentID string) (Record, error) {
	const query = `
		SELECT document_id, reference, seq, state, saved_at
		FROM snapshots WHERE document_id = $1
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, documentID))
}

func (s *SQLStore) LoadByReference(ctx context.Context, reference string) (Record, error) {
	const query = `
		SELECT document_id, reference, seq, state, saved_at
		FROM snapshots WHERE reference = $1
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, reference))
}

func (s *SQLStore) scanOne(row *sql.Row) (Record, error) {
	var rec Record
	var seq int64
	var encoded string
	err := row.Scan(&rec.DocumentID, &rec.Reference, &seq, &encoded, &rec.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrAbsent
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan snapshot: %w", err)
	}
	rec.Seq = uint64(seq)
	if rec.State, err = base64.StdEncoding.DecodeString(encoded); err != nil {
		return Record{}, fmt.Errorf("decode snapshot state: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
