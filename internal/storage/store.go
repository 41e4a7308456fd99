// Package storage persists the public half of registered credentials for the
// verification endpoints. Two implementations exist: an in-process map and a
// SQLite database; the server picks one from config.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("storage: credential not found")
	ErrDuplicate       = errors.New("storage: credential already registered")
	ErrCounterConflict = errors.New("storage: counter did not advance")
)

// CredentialRecord is one registered credential plus the citizen profile
// fields the onboarding collaborator mutates.
type CredentialRecord struct {
	CredentialID []byte
	CitizenID    string
	PublicKey    []byte
	Counter      uint32
	UserHandle   []byte
	Handle       string
	Onboarded    bool
	CreatedAt    time.Time
}

// Store is the durable credential backend. UpdateCounter must be atomic:
// it only applies when the new counter is strictly greater than the stored
// one, and reports ErrCounterConflict otherwise.
type Store interface {
	PutCredential(ctx context.Context, rec CredentialRecord) error
	GetCredential(ctx context.Context, credentialID []byte) (CredentialRecord, error)
	GetByCitizenID(ctx context.Context, citizenID string) (CredentialRecord, error)
	UpdateCounter(ctx context.Context, credentialID []byte, counter uint32) error
	UpdateProfile(ctx context.Context, citizenID, handle string, onboarded bool) error
	Close() error
}
