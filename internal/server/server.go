// Package server exposes the citizen identity HTTP surface: challenge
// issuance, ceremony verification, the cache-restore path, and onboarding
// completion, plus health and metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/opencivic/citizenid/internal/challenge"
	"github.com/opencivic/citizenid/internal/config"
	"github.com/opencivic/citizenid/internal/platform/ratelimiter"
	"github.com/opencivic/citizenid/internal/storage"
	"github.com/opencivic/citizenid/internal/webauthn"
	"github.com/opencivic/citizenid/pkg/models"
)

// OnboardingCompleter is the collaborator contract the core consumes: it
// accepts the onboarding payload and hands back the updated identity, which
// this subsystem persists as-is.
type OnboardingCompleter interface {
	Complete(ctx context.Context, req models.OnboardingRequest) (models.CitizenIdentity, error)
}

// Handler wires the HTTP endpoints using net/http.
type Handler struct {
	cfg      config.Config
	store    storage.Store
	issuer   *challenge.Issuer
	verifier webauthn.Verifier
	logger   *slog.Logger
	clock    func() time.Time

	challengeLimiter    *ratelimiter.WindowLimiter
	onboardingIDLimiter *ratelimiter.WindowLimiter
	onboardingIPLimiter *ratelimiter.WindowLimiter
	globalLimiter       *ratelimiter.MapLimiter

	onboarding OnboardingCompleter
	router     *http.ServeMux
}

// New creates a Handler with production limiter policies from cfg. A nil
// onboarding completer falls back to the store-backed default.
func New(cfg config.Config, store storage.Store, logger *slog.Logger, onboarding OnboardingCompleter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if onboarding == nil {
		onboarding = &storeOnboarding{store: store}
	}
	h := &Handler{
		cfg:      cfg,
		store:    store,
		issuer:   challenge.NewIssuer(cfg.ChallengeSecret),
		verifier: webauthn.StandardsVerifier{},
		logger:   logger,
		clock:    time.Now,

		challengeLimiter: ratelimiter.NewWindowLimiter(
			ratelimiter.Policy{Limit: cfg.ChallengeLimit, Window: cfg.ChallengeWindow}, nil),
		onboardingIDLimiter: ratelimiter.NewWindowLimiter(
			ratelimiter.Policy{Limit: cfg.OnboardingIdentityLimit, Window: time.Hour}, nil),
		onboardingIPLimiter: ratelimiter.NewWindowLimiter(
			ratelimiter.Policy{Limit: cfg.OnboardingIPLimit, Window: time.Hour}, nil),
		globalLimiter: ratelimiter.NewMapLimiter(cfg.GlobalRPS, cfg.GlobalBurst, 10*time.Minute),

		onboarding: onboarding,
		router:     http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// WithClock replaces the handler's clock and re-clocks the challenge issuer.
// Test hook.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.clock = now
	h.issuer.WithClock(now)
	return h
}

func (h *Handler) Router() http.Handler {
	return h.loggingMiddleware(h.globalLimitMiddleware(h.router))
}

func (h *Handler) registerRoutes() {
	h.router.HandleFunc("GET /auth/register/challenge", h.handleRegisterChallenge)
	h.router.HandleFunc("POST /auth/register/verify", h.handleRegisterVerify)
	h.router.HandleFunc("GET /auth/login/challenge", h.handleLoginChallenge)
	h.router.HandleFunc("POST /auth/login/verify", h.handleLoginVerify)
	h.router.HandleFunc("POST /auth/cache/verify", h.handleCacheVerify)
	h.router.HandleFunc("POST /auth/onboarding/complete", h.handleOnboardingComplete)

	h.router.HandleFunc("GET /health", h.handleHealth)
	h.router.HandleFunc("GET /metrics", h.metricsHandler)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// storeOnboarding is the default onboarding collaborator: it persists the
// handle and consent outcome against the credential record and reflects the
// updated identity back.
type storeOnboarding struct {
	store storage.Store
}

func (o *storeOnboarding) Complete(ctx context.Context, req models.OnboardingRequest) (models.CitizenIdentity, error) {
	if err := o.store.UpdateProfile(ctx, req.CitizenID, req.Handle, true); err != nil {
		return models.CitizenIdentity{}, err
	}
	rec, err := o.store.GetByCitizenID(ctx, req.CitizenID)
	if err != nil {
		return models.CitizenIdentity{}, err
	}
	return models.CitizenIdentity{
		CitizenID: rec.CitizenID,
		Handle:    rec.Handle,
		Onboarded: rec.Onboarded,
	}, nil
}
