package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	credential_id BLOB PRIMARY KEY,
	citizen_id    TEXT NOT NULL UNIQUE,
	public_key    BLOB NOT NULL,
	counter       INTEGER NOT NULL DEFAULT 0,
	user_handle   BLOB,
	handle        TEXT NOT NULL DEFAULT '',
	onboarded     INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_citizen ON credentials(citizen_id);
`

// SQLiteStore is the durable Store used when an identity backend path is
// configured.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, rec CredentialRecord) error {
	const q = `INSERT INTO credentials
		(credential_id, citizen_id, public_key, counter, user_handle, handle, onboarded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		rec.CredentialID, rec.CitizenID, rec.PublicKey, rec.Counter,
		rec.UserHandle, rec.Handle, rec.Onboarded, rec.CreatedAt.UTC())
	if err != nil {
		// UNIQUE violation on either key means the credential exists.
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, credentialID []byte) (CredentialRecord, error) {
	const q = `SELECT credential_id, citizen_id, public_key, counter, user_handle, handle, onboarded, created_at
		FROM credentials WHERE credential_id = ?`
	return s.scanOne(s.db.QueryRowContext(ctx, q, credentialID))
}

func (s *SQLiteStore) GetByCitizenID(ctx context.Context, citizenID string) (CredentialRecord, error) {
	const q = `SELECT credential_id, citizen_id, public_key, counter, user_handle, handle, onboarded, created_at
		FROM credentials WHERE citizen_id = ?`
	return s.scanOne(s.db.QueryRowContext(ctx, q, citizenID))
}

// UpdateCounter applies the monotonic-counter rule in a single statement so
// concurrent assertions cannot both win.
func (s *SQLiteStore) UpdateCounter(ctx context.Context, credentialID []byte, counter uint32) error {
	const q = `UPDATE credentials SET counter = ? WHERE credential_id = ? AND counter < ?`
	res, err := s.db.ExecContext(ctx, q, counter, credentialID, counter)
	if err != nil {
		return fmt.Errorf("storage: update counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update counter: %w", err)
	}
	if n == 0 {
		if _, err := s.GetCredential(ctx, credentialID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrCounterConflict
	}
	return nil
}

func (s *SQLiteStore) UpdateProfile(ctx context.Context, citizenID, handle string, onboarded bool) error {
	const q = `UPDATE credentials SET handle = ?, onboarded = ? WHERE citizen_id = ?`
	res, err := s.db.ExecContext(ctx, q, handle, onboarded, citizenID)
	if err != nil {
		return fmt.Errorf("storage: update profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update profile: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) scanOne(row *sql.Row) (CredentialRecord, error) {
	var rec CredentialRecord
	var createdAt time.Time
	err := row.Scan(&rec.CredentialID, &rec.CitizenID, &rec.PublicKey, &rec.Counter,
		&rec.UserHandle, &rec.Handle, &rec.Onboarded, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CredentialRecord{}, ErrNotFound
	}
	if err != nil {
		return CredentialRecord{}, fmt.Errorf("storage: scan credential: %w", err)
	}
	rec.CreatedAt = createdAt
	return rec, nil
}
