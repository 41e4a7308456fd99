package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "citizenid.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	if err := s.PutCredential(ctx, sampleRecord()); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutCredential(ctx, sampleRecord()); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	rec, err := s.GetCredential(ctx, []byte("cred-1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.CitizenID != "ctz-1" || string(rec.PublicKey) != "cose-key" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := s.GetByCitizenID(ctx, "ctz-1"); err != nil {
		t.Fatalf("get by citizen: %v", err)
	}
	if _, err := s.GetCredential(ctx, []byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreCounterIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)
	if err := s.PutCredential(ctx, sampleRecord()); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.UpdateCounter(ctx, []byte("cred-1"), 7); err != nil {
		t.Fatalf("advance counter: %v", err)
	}
	if err := s.UpdateCounter(ctx, []byte("cred-1"), 7); !errors.Is(err, ErrCounterConflict) {
		t.Fatalf("equal counter must conflict, got %v", err)
	}
	if err := s.UpdateCounter(ctx, []byte("missing"), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec, _ := s.GetCredential(ctx, []byte("cred-1"))
	if rec.Counter != 7 {
		t.Fatalf("counter = %d, want 7", rec.Counter)
	}
}

func TestSQLiteStoreProfileUpdate(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)
	if err := s.PutCredential(ctx, sampleRecord()); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.UpdateProfile(ctx, "ctz-1", "ada", true); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	rec, _ := s.GetByCitizenID(ctx, "ctz-1")
	if rec.Handle != "ada" || !rec.Onboarded {
		t.Fatalf("profile not applied: %+v", rec)
	}
}
