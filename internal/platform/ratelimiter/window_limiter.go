package ratelimiter

import (
	"strings"
	"sync"
	"time"
)

// Window is a single fixed-window counter for one key.
type Window struct {
	Count   int
	ResetAt time.Time
}

// Store abstracts the window table so a single-process map and a shared
// external store are interchangeable at the call sites. The in-process
// implementation is not a correctness bug for a single worker, but a
// multi-worker deployment must back this with a shared, atomically-updatable
// store to keep the limiter's guarantees.
type Store interface {
	Get(key string) (Window, bool)
	Put(key string, w Window)
	Delete(key string)
}

// Policy describes one rate-limit rule.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of a single Check call. RetryAfterSeconds is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
}

// WindowLimiter counts requests per key inside fixed windows.
type WindowLimiter struct {
	policy Policy
	store  Store
}

func NewWindowLimiter(policy Policy, store Store) *WindowLimiter {
	if store == nil {
		store = NewMemoryStore()
	}
	return &WindowLimiter{policy: policy, store: store}
}

// Check records one request for key at now and reports whether it is allowed.
// Empty keys are never limited; callers that cannot attribute a request should
// not feed it into the limiter.
func (l *WindowLimiter) Check(key string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Decision{Allowed: true}
	}

	w, ok := l.store.Get(key)
	if !ok || !now.Before(w.ResetAt) {
		l.store.Put(key, Window{Count: 1, ResetAt: now.Add(l.policy.Window)})
		return Decision{Allowed: true}
	}

	w.Count++
	l.store.Put(key, w)
	if w.Count <= l.policy.Limit {
		return Decision{Allowed: true}
	}

	retry := int(w.ResetAt.Sub(now).Seconds())
	if retry < 1 {
		retry = 1
	}
	return Decision{Allowed: false, RetryAfterSeconds: retry}
}

// MemoryStore is the in-process Store. Expired windows are swept lazily every
// sweepEvery writes so the table does not grow without bound.
type MemoryStore struct {
	mu      sync.Mutex
	byKey   map[string]Window
	writes  uint64
	nowFunc func() time.Time
}

const sweepEvery = 256

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:   make(map[string]Window),
		nowFunc: time.Now,
	}
}

func (s *MemoryStore) Get(key string) (Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byKey[key]
	return w, ok
}

func (s *MemoryStore) Put(key string, w Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[key] = w

	s.writes++
	if s.writes%sweepEvery == 0 {
		now := s.nowFunc()
		for k, v := range s.byKey {
			if v.ResetAt.Before(now) {
				delete(s.byKey, k)
			}
		}
	}
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, key)
}
