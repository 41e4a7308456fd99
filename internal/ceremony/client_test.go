package ceremony

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/opencivic/citizenid/internal/config"
	"github.com/opencivic/citizenid/internal/server"
	"github.com/opencivic/citizenid/internal/storage"
	"github.com/opencivic/citizenid/internal/webauthn"
	"github.com/opencivic/citizenid/internal/webauthn/webauthntest"
	"github.com/opencivic/citizenid/pkg/models"
)

func newTestClient(t *testing.T, ts *httptest.Server, auth Authenticator) *Client {
	t.Helper()
	c, err := NewClient(ts.URL, ts.Client(), auth)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

// The server's expected origin is only known once the listener is up, so
// the server starts with a nil handler and gets the real one after the URL
// is assigned.
func testServerWithOrigin(t *testing.T) (*httptest.Server, *webauthntest.Authenticator) {
	t.Helper()
	cfg := config.Default()
	cfg.RelyingPartyID = "127.0.0.1"
	cfg.ChallengeSecret = []byte("ceremony-test-secret")
	cfg.GlobalRPS = 500
	cfg.GlobalBurst = 1000

	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Start with a placeholder handler to learn the URL, then swap in the
	// real one with the right origin.
	var h *server.Handler
	ts := httptest.NewTLSServer(nil)
	t.Cleanup(ts.Close)
	cfg.Origin = ts.URL
	h = server.New(cfg, store, logger, nil)
	ts.Config.Handler = h.Router()

	return ts, webauthntest.New(ts.URL)
}

func TestRegisterThenAuthenticate(t *testing.T) {
	ts, auth := testServerWithOrigin(t)
	client := newTestClient(t, ts, auth)
	ctx := context.Background()

	reg, err := client.Register(ctx)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Identity.CitizenID == "" {
		t.Fatal("expected a citizen id")
	}
	if reg.Identity.Onboarded {
		t.Fatal("fresh registration must not be onboarded")
	}
	if reg.Credential == nil || len(reg.Credential.CredentialID) == 0 {
		t.Fatal("expected a cacheable credential descriptor")
	}

	authed, err := client.Authenticate(ctx)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.Identity.CitizenID != reg.Identity.CitizenID {
		t.Fatalf("identity drifted: %s vs %s", authed.Identity.CitizenID, reg.Identity.CitizenID)
	}
}

func TestRestoreFromCache(t *testing.T) {
	ts, auth := testServerWithOrigin(t)
	client := newTestClient(t, ts, auth)
	ctx := context.Background()

	reg, err := client.Register(ctx)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	restored, err := client.RestoreFromCache(ctx, reg.Credential)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Identity.CitizenID != reg.Identity.CitizenID {
		t.Fatal("restore must resolve to the registered identity")
	}

	if _, err := client.RestoreFromCache(ctx, nil); !isKind(err, KindCacheCorrupt) {
		t.Fatalf("nil cache must be KindCacheCorrupt, got %v", err)
	}
}

func TestUserCancellationIsBenignAndRetryable(t *testing.T) {
	ts, auth := testServerWithOrigin(t)
	client := newTestClient(t, ts, auth)
	ctx := context.Background()

	auth.CancelNext = true
	_, err := client.Register(ctx)
	if !isKind(err, KindUserCancelled) {
		t.Fatalf("expected KindUserCancelled, got %v", err)
	}
	var cerr *Error
	if !errors.As(err, &cerr) || !cerr.Retryable() {
		t.Fatal("cancellation must be retryable")
	}

	// The cancelled ceremony spent nothing: an immediate retry succeeds.
	if _, err := client.Register(ctx); err != nil {
		t.Fatalf("retry after cancel: %v", err)
	}
}

func TestNoAuthenticatorIsNotSupported(t *testing.T) {
	ts, _ := testServerWithOrigin(t)
	client := newTestClient(t, ts, nil)

	_, err := client.Register(context.Background())
	if !isKind(err, KindNotSupported) {
		t.Fatalf("expected KindNotSupported, got %v", err)
	}
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Retryable() {
		t.Fatal("missing platform support must not be retryable")
	}
}

func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	ts, auth := testServerWithOrigin(t)
	client := newTestClient(t, ts, auth)
	ctx := context.Background()

	// Budget is 5/minute per IP; cancellations burn a challenge each.
	for i := 0; i < 5; i++ {
		auth.CancelNext = true
		if _, err := client.Register(ctx); !isKind(err, KindUserCancelled) {
			t.Fatalf("setup register %d: %v", i, err)
		}
	}

	_, err := client.Register(ctx)
	if !isKind(err, KindRateLimited) {
		t.Fatalf("expected KindRateLimited, got %v", err)
	}
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.RetryAfter <= 0 {
		t.Fatalf("rate limited error must carry a positive retry delay: %+v", cerr)
	}
}

type blockingAuthenticator struct {
	inner   Authenticator
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingAuthenticator) Create(ctx context.Context, opts webauthn.CreationOptions) (*webauthn.AttestationResult, error) {
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
	return b.inner.Create(ctx, opts)
}

func (b *blockingAuthenticator) Get(ctx context.Context, opts webauthn.RequestOptions) (*webauthn.AssertionResult, error) {
	return b.inner.Get(ctx, opts)
}

func TestConcurrentCeremonyIsRejected(t *testing.T) {
	ts, auth := testServerWithOrigin(t)
	blocking := &blockingAuthenticator{
		inner:   auth,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	client := newTestClient(t, ts, blocking)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := client.Register(ctx)
		done <- err
	}()

	<-blocking.started
	if _, err := client.Authenticate(ctx); !isKind(err, KindCeremonyInFlight) {
		t.Fatalf("expected KindCeremonyInFlight, got %v", err)
	}
	close(blocking.release)

	if err := <-done; err != nil {
		t.Fatalf("first ceremony should still succeed: %v", err)
	}
}

func TestCompleteOnboarding(t *testing.T) {
	ts, auth := testServerWithOrigin(t)
	client := newTestClient(t, ts, auth)
	ctx := context.Background()

	reg, err := client.Register(ctx)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	identity, err := client.CompleteOnboarding(ctx, models.OnboardingRequest{
		CitizenID: reg.Identity.CitizenID,
		Handle:    "ada",
		Consents:  map[string]bool{"terms": true},
	})
	if err != nil {
		t.Fatalf("onboarding: %v", err)
	}
	if !identity.Onboarded || identity.Handle != "ada" {
		t.Fatalf("onboarding not reflected: %+v", identity)
	}
}

func isKind(err error, kind ErrorKind) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Kind == kind
}
