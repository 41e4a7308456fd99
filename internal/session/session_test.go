package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opencivic/citizenid/internal/ceremony"
	"github.com/opencivic/citizenid/pkg/models"
)

type fakeCeremonies struct {
	result *ceremony.Result
	err    error
	calls  int
}

func (f *fakeCeremonies) Register(context.Context) (*ceremony.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeCeremonies) Authenticate(context.Context) (*ceremony.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeCeremonies) RestoreFromCache(context.Context, *models.CachedCredential) (*ceremony.Result, error) {
	f.calls++
	return f.result, f.err
}

func identityAt(authAt time.Time) models.CitizenIdentity {
	return models.CitizenIdentity{
		CitizenID:       "ctz2test",
		Handle:          "ada",
		AuthenticatedAt: authAt,
	}
}

func seed(t *testing.T, kv KV, identity models.CitizenIdentity) {
	t.Helper()
	raw, err := json.Marshal(identity)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := kv.Set(identityKey, raw); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestInitialStateIsLoading(t *testing.T) {
	s := NewStore(NewMemoryKV(), &fakeCeremonies{})
	if got := s.Snapshot().Status; got != StatusLoading {
		t.Fatalf("initial status = %s, want loading", got)
	}
}

func TestRehydrateFreshnessBoundary(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		age  time.Duration
		want Status
	}{
		{"just inside the window", 23*time.Hour + 59*time.Minute, StatusAuthenticated},
		{"just past the window", 24*time.Hour + time.Minute, StatusUnauthenticated},
		{"exactly at the window", 24 * time.Hour, StatusUnauthenticated},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kv := NewMemoryKV()
			seed(t, kv, identityAt(now.Add(-tc.age)))

			s := NewStore(kv, &fakeCeremonies{}).WithClock(func() time.Time { return now })
			snap := s.Rehydrate()
			if snap.Status != tc.want {
				t.Fatalf("status = %s, want %s", snap.Status, tc.want)
			}
			if tc.want == StatusUnauthenticated {
				if snap.Citizen != nil {
					t.Fatal("stale identity must not be surfaced")
				}
				if _, ok, _ := kv.Get(identityKey); ok {
					t.Fatal("stale record must be discarded from storage")
				}
			}
		})
	}
}

func TestRehydrateWithNoRecord(t *testing.T) {
	s := NewStore(NewMemoryKV(), &fakeCeremonies{})
	snap := s.Rehydrate()
	if snap.Status != StatusUnauthenticated || snap.Err != nil {
		t.Fatalf("empty storage should be a clean unauthenticated state, got %+v", snap)
	}
}

func TestRehydrateWithCorruptRecord(t *testing.T) {
	kv := NewMemoryKV()
	if err := kv.Set(identityKey, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	s := NewStore(kv, &fakeCeremonies{})
	if snap := s.Rehydrate(); snap.Status != StatusUnauthenticated {
		t.Fatalf("corrupt record should discard to unauthenticated, got %s", snap.Status)
	}
}

func TestRegisterPersistsAndAuthenticates(t *testing.T) {
	kv := NewMemoryKV()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	fake := &fakeCeremonies{result: &ceremony.Result{Identity: identityAt(now)}}

	s := NewStore(kv, fake).WithClock(func() time.Time { return now })
	s.Rehydrate()

	res, snap := s.Register(context.Background())
	if snap.Status != StatusAuthenticated {
		t.Fatalf("status = %s, want authenticated", snap.Status)
	}
	if res == nil || res.Identity.CitizenID != "ctz2test" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if snap.Err != nil {
		t.Fatalf("successful transition must clear Err, got %v", snap.Err)
	}

	// Persisted record rehydrates on a second store.
	s2 := NewStore(kv, fake).WithClock(func() time.Time { return now })
	if snap := s2.Rehydrate(); snap.Status != StatusAuthenticated {
		t.Fatal("persisted session should rehydrate")
	}
}

func TestCeremonyFailureIsStateNotPanic(t *testing.T) {
	wantErr := errors.New("the prompt was dismissed")
	s := NewStore(NewMemoryKV(), &fakeCeremonies{err: wantErr})
	s.Rehydrate()

	res, snap := s.Authenticate(context.Background())
	if res != nil {
		t.Fatal("failed ceremony must not return a result")
	}
	if snap.Status != StatusUnauthenticated {
		t.Fatalf("status = %s, want unauthenticated", snap.Status)
	}
	if !errors.Is(snap.Err, wantErr) {
		t.Fatalf("Err = %v, want %v", snap.Err, wantErr)
	}
}

func TestSignOutClearsSessionButNotOtherKeys(t *testing.T) {
	kv := NewMemoryKV()
	now := time.Now()
	fake := &fakeCeremonies{result: &ceremony.Result{Identity: identityAt(now)}}

	s := NewStore(kv, fake)
	s.Rehydrate()
	s.Register(context.Background())
	if err := s.MarkOnboardingPending(); err != nil {
		t.Fatal(err)
	}

	// A neighboring record, e.g. the identity cache envelope, must survive.
	if err := kv.Set("citizenid.cache.envelope", []byte("keep")); err != nil {
		t.Fatal(err)
	}

	snap := s.SignOut()
	if snap.Status != StatusUnauthenticated || snap.Citizen != nil {
		t.Fatalf("sign-out left state %+v", snap)
	}
	if _, ok, _ := kv.Get(identityKey); ok {
		t.Fatal("identity record must be cleared")
	}
	if s.OnboardingPending() {
		t.Fatal("onboarding marker must be cleared")
	}
	if _, ok, _ := kv.Get("citizenid.cache.envelope"); !ok {
		t.Fatal("sign-out must not touch unrelated records")
	}

	// Unauthenticated is always re-enterable.
	if _, snap := s.Authenticate(context.Background()); snap.Status != StatusAuthenticated {
		t.Fatal("re-authentication after sign-out should succeed")
	}
}

func TestSetIdentityIgnoresEmpty(t *testing.T) {
	now := time.Now()
	fake := &fakeCeremonies{result: &ceremony.Result{Identity: identityAt(now)}}
	s := NewStore(NewMemoryKV(), fake)
	s.Rehydrate()
	s.Register(context.Background())

	snap := s.SetIdentity(models.CitizenIdentity{})
	if snap.Citizen == nil || snap.Citizen.CitizenID != "ctz2test" {
		t.Fatal("empty identity must not overwrite the session")
	}

	updated := identityAt(now)
	updated.Onboarded = true
	snap = s.SetIdentity(updated)
	if snap.Citizen == nil || !snap.Citizen.Onboarded {
		t.Fatal("updated identity should replace the session record")
	}
}

func TestFresh(t *testing.T) {
	now := time.Now()
	if !Fresh(now, now.Add(-time.Hour)) {
		t.Fatal("one hour old must be fresh")
	}
	if Fresh(now, now.Add(-25*time.Hour)) {
		t.Fatal("a day-old session must not be fresh")
	}
	if Fresh(now, time.Time{}) {
		t.Fatal("zero time must not be fresh")
	}
}
