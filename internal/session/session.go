// Package session holds the client-side authentication state machine:
// loading until the persisted record has been checked, then unauthenticated
// or authenticated. Failures never escape as panics; they surface as state
// on the snapshot.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/opencivic/citizenid/internal/ceremony"
	"github.com/opencivic/citizenid/pkg/models"
)

// Status is the machine state. Loading is only ever the initial state.
type Status string

const (
	StatusLoading         Status = "loading"
	StatusUnauthenticated Status = "unauthenticated"
	StatusAuthenticated   Status = "authenticated"
)

const (
	identityKey          = "citizenid.session.identity"
	onboardingPendingKey = "citizenid.session.onboarding_pending"
)

// TTL is the client-side session validity window, enforced at rehydration.
const TTL = 24 * time.Hour

// Fresh reports whether an identity authenticated at authenticatedAt is
// still within the session window at now.
func Fresh(now, authenticatedAt time.Time) bool {
	if authenticatedAt.IsZero() {
		return false
	}
	return now.Sub(authenticatedAt) < TTL
}

// Ceremonies is the slice of the ceremony client the store drives.
// *ceremony.Client satisfies it.
type Ceremonies interface {
	Register(ctx context.Context) (*ceremony.Result, error)
	Authenticate(ctx context.Context) (*ceremony.Result, error)
	RestoreFromCache(ctx context.Context, cached *models.CachedCredential) (*ceremony.Result, error)
}

// Snapshot is the surface consumers gate on. Err is the last operation's
// failure and is cleared by the next successful transition.
type Snapshot struct {
	Status  Status
	Citizen *models.CitizenIdentity
	Err     error
}

// Store is the session state machine. Methods are safe for concurrent use;
// ceremonies themselves run outside the store lock, and the ceremony client
// rejects overlapping ceremonies on its own.
type Store struct {
	kv         KV
	ceremonies Ceremonies
	now        func() time.Time

	mu      sync.Mutex
	status  Status
	citizen *models.CitizenIdentity
	err     error
}

func NewStore(kv KV, ceremonies Ceremonies) *Store {
	return &Store{
		kv:         kv,
		ceremonies: ceremonies,
		now:        time.Now,
		status:     StatusLoading,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Rehydrate leaves the loading state by checking the persisted record. A
// stored identity older than the session window is discarded, not honored.
// Storage errors land in the unauthenticated state with Err set.
func (s *Store) Rehydrate() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.kv.Get(identityKey)
	if err != nil {
		s.toUnauthenticated(err)
		return s.snapshotLocked()
	}
	if !ok {
		s.toUnauthenticated(nil)
		return s.snapshotLocked()
	}

	var identity models.CitizenIdentity
	if err := json.Unmarshal(raw, &identity); err != nil {
		s.toUnauthenticated(nil)
		return s.snapshotLocked()
	}
	if !Fresh(s.now(), identity.AuthenticatedAt) {
		s.toUnauthenticated(nil)
		return s.snapshotLocked()
	}

	s.status = StatusAuthenticated
	s.citizen = &identity
	s.err = nil
	return s.snapshotLocked()
}

// Register runs the registration ceremony and, on success, enters the
// authenticated state. The ceremony result is returned so the caller can
// seed the identity cache with the credential descriptor.
func (s *Store) Register(ctx context.Context) (*ceremony.Result, Snapshot) {
	return s.runCeremony(func() (*ceremony.Result, error) {
		return s.ceremonies.Register(ctx)
	})
}

// Authenticate runs the discoverable-credential assertion ceremony.
func (s *Store) Authenticate(ctx context.Context) (*ceremony.Result, Snapshot) {
	return s.runCeremony(func() (*ceremony.Result, error) {
		return s.ceremonies.Authenticate(ctx)
	})
}

// RestoreFromCache authenticates via the cached credential descriptor. The
// cached identity is never trusted directly; only the server-verified result
// enters the session.
func (s *Store) RestoreFromCache(ctx context.Context, cached *models.CachedCredential) (*ceremony.Result, Snapshot) {
	return s.runCeremony(func() (*ceremony.Result, error) {
		return s.ceremonies.RestoreFromCache(ctx, cached)
	})
}

func (s *Store) runCeremony(run func() (*ceremony.Result, error)) (*ceremony.Result, Snapshot) {
	res, err := run()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = err
		if s.status == StatusLoading {
			s.status = StatusUnauthenticated
		}
		return nil, s.snapshotLocked()
	}
	s.setAuthenticated(res.Identity)
	return res, s.snapshotLocked()
}

// SetIdentity replaces the authenticated identity in place, e.g. after
// onboarding completion hands back an updated record. An empty citizen id
// never overwrites a session.
func (s *Store) SetIdentity(identity models.CitizenIdentity) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if identity.CitizenID == "" {
		return s.snapshotLocked()
	}
	s.setAuthenticated(identity)
	return s.snapshotLocked()
}

// SignOut clears the session record and any pending onboarding marker. The
// identity cache is deliberately left alone so the citizen can restore
// later without re-registering.
func (s *Store) SignOut() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toUnauthenticated(nil)
	return s.snapshotLocked()
}

// MarkOnboardingPending records that the citizen still owes onboarding
// details. Cleared on sign-out.
func (s *Store) MarkOnboardingPending() error {
	return s.kv.Set(onboardingPendingKey, []byte("1"))
}

func (s *Store) ClearOnboardingPending() error {
	return s.kv.Delete(onboardingPendingKey)
}

func (s *Store) OnboardingPending() bool {
	_, ok, err := s.kv.Get(onboardingPendingKey)
	return err == nil && ok
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Status: s.status, Err: s.err}
	if s.citizen != nil {
		c := *s.citizen
		snap.Citizen = &c
	}
	return snap
}

func (s *Store) setAuthenticated(identity models.CitizenIdentity) {
	if identity.AuthenticatedAt.IsZero() {
		identity.AuthenticatedAt = s.now()
	}
	s.status = StatusAuthenticated
	s.citizen = &identity
	s.err = nil
	if raw, err := json.Marshal(identity); err == nil {
		if err := s.kv.Set(identityKey, raw); err != nil {
			// The live state stands; only rehydration after a reload
			// suffers, and that degrades to unauthenticated.
			s.err = err
		}
	}
}

func (s *Store) toUnauthenticated(err error) {
	s.status = StatusUnauthenticated
	s.citizen = nil
	s.err = err
	_ = s.kv.Delete(identityKey)
	_ = s.kv.Delete(onboardingPendingKey)
}
