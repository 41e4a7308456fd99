package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps credentials in a process-local map. It backs the
// fallback deployment with no durable identity backend; restarting the
// process forgets every registration, which is why the client keeps the
// encrypted identity cache.
type MemoryStore struct {
	mu        sync.RWMutex
	byCredID  map[string]CredentialRecord
	byCitizen map[string]string // citizenID -> credential key
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCredID:  make(map[string]CredentialRecord),
		byCitizen: make(map[string]string),
	}
}

func (s *MemoryStore) PutCredential(_ context.Context, rec CredentialRecord) error {
	key := string(rec.CredentialID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCredID[key]; ok {
		return ErrDuplicate
	}
	s.byCredID[key] = cloneRecord(rec)
	s.byCitizen[rec.CitizenID] = key
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, credentialID []byte) (CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byCredID[string(credentialID)]
	if !ok {
		return CredentialRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) GetByCitizenID(_ context.Context, citizenID string) (CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byCitizen[citizenID]
	if !ok {
		return CredentialRecord{}, ErrNotFound
	}
	return cloneRecord(s.byCredID[key]), nil
}

func (s *MemoryStore) UpdateCounter(_ context.Context, credentialID []byte, counter uint32) error {
	key := string(credentialID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byCredID[key]
	if !ok {
		return ErrNotFound
	}
	if counter <= rec.Counter {
		return ErrCounterConflict
	}
	rec.Counter = counter
	s.byCredID[key] = rec
	return nil
}

func (s *MemoryStore) UpdateProfile(_ context.Context, citizenID, handle string, onboarded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byCitizen[citizenID]
	if !ok {
		return ErrNotFound
	}
	rec := s.byCredID[key]
	rec.Handle = handle
	rec.Onboarded = onboarded
	s.byCredID[key] = rec
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRecord(rec CredentialRecord) CredentialRecord {
	out := rec
	out.CredentialID = append([]byte(nil), rec.CredentialID...)
	out.PublicKey = append([]byte(nil), rec.PublicKey...)
	out.UserHandle = append([]byte(nil), rec.UserHandle...)
	return out
}
