package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/opencivic/citizenid/internal/challenge"
	"github.com/opencivic/citizenid/internal/storage"
	"github.com/opencivic/citizenid/internal/webauthn"
	"github.com/opencivic/citizenid/pkg/models"
)

type registerChallengeResponse struct {
	Challenge        string `json:"challenge"`
	UserID           string `json:"userId"`
	RelyingPartyID   string `json:"relyingPartyId"`
	RelyingPartyName string `json:"relyingPartyName"`
}

type loginChallengeResponse struct {
	Challenge      string `json:"challenge"`
	RelyingPartyID string `json:"relyingPartyId"`
}

type cachedCredentialPayload struct {
	CredentialID string `json:"credentialId"`
	PublicKey    string `json:"publicKey"`
	Counter      uint32 `json:"counter"`
}

type verifyResponse struct {
	Identity         models.CitizenIdentity   `json:"identity"`
	CachedCredential *cachedCredentialPayload `json:"cachedCredential,omitempty"`
	Legacy           models.LegacySession     `json:"legacy"`
}

type cacheVerifyRequest struct {
	Assertion  webauthn.AssertionPayload `json:"assertion"`
	Credential cachedCredentialPayload   `json:"credential"`
}

func (h *Handler) handleRegisterChallenge(w http.ResponseWriter, r *http.Request) {
	issued, ok := h.issueChallenge(w, r, "register")
	if !ok {
		return
	}
	user := uuid.New()
	writeJSON(w, http.StatusOK, registerChallengeResponse{
		Challenge:        challenge.Encode(issued.Challenge),
		UserID:           challenge.Encode(user[:]),
		RelyingPartyID:   h.cfg.RelyingPartyID,
		RelyingPartyName: h.cfg.RelyingPartyName,
	})
}

func (h *Handler) handleLoginChallenge(w http.ResponseWriter, r *http.Request) {
	issued, ok := h.issueChallenge(w, r, "login")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, loginChallengeResponse{
		Challenge:      challenge.Encode(issued.Challenge),
		RelyingPartyID: h.cfg.RelyingPartyID,
	})
}

// issueChallenge runs the shared rate-limit + issue + cookie sequence.
func (h *Handler) issueChallenge(w http.ResponseWriter, r *http.Request, ceremony string) (challenge.Issued, bool) {
	ip := clientIP(r)
	if d := h.challengeLimiter.Check(ip, h.clock()); !d.Allowed {
		rateLimitedCount.WithLabelValues("challenge").Inc()
		writeRateLimited(w, d.RetryAfterSeconds)
		return challenge.Issued{}, false
	}

	issued, err := h.issuer.Issue()
	if err != nil {
		// Missing signing secret is operator-fatal; the client only ever
		// sees the generic body.
		h.logger.Error("challenge issuance failed", "ceremony", ceremony, "error", err)
		writeServiceUnavailable(w)
		return challenge.Issued{}, false
	}

	challengeIssued.WithLabelValues(ceremony).Inc()
	http.SetCookie(w, challenge.Cookie(issued.Token))
	return issued, true
}

func (h *Handler) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	chal, ok := h.challengeFromCookie(w, r)
	if !ok {
		return
	}

	var payload webauthn.RegistrationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed registration payload")
		return
	}

	cred, err := h.verifier.VerifyRegistration(&payload, h.expected(chal))
	if err != nil {
		h.failVerification(w, r, "register", err)
		return
	}

	citizenID := webauthn.DeriveCitizenID(cred.CredentialID)
	rec := storage.CredentialRecord{
		CredentialID: cred.CredentialID,
		CitizenID:    citizenID,
		PublicKey:    cred.PublicKey,
		Counter:      cred.Counter,
		CreatedAt:    h.clock(),
	}
	if err := h.store.PutCredential(r.Context(), rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeProblem(w, http.StatusConflict, "credential already registered")
			return
		}
		h.logger.Error("persist credential failed", "error", err)
		writeServiceUnavailable(w)
		return
	}

	verificationCount.WithLabelValues("register", "success").Inc()
	h.consumeChallengeCookie(w)
	h.logger.Info("citizen registered", "citizen_id", citizenID)
	identity := h.mintIdentity(rec)
	writeJSON(w, http.StatusOK, verifyResponse{
		Identity: identity,
		CachedCredential: &cachedCredentialPayload{
			CredentialID: challenge.Encode(cred.CredentialID),
			PublicKey:    challenge.Encode(cred.PublicKey),
			Counter:      cred.Counter,
		},
		Legacy: models.ToLegacySession(identity),
	})
}

func (h *Handler) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	chal, ok := h.challengeFromCookie(w, r)
	if !ok {
		return
	}

	var payload webauthn.AssertionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed assertion payload")
		return
	}
	credentialID, err := challenge.Decode(payload.RawID)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed assertion payload")
		return
	}

	rec, err := h.store.GetCredential(r.Context(), credentialID)
	if err != nil {
		// Unknown credentials get the same response as a bad signature so
		// the endpoint cannot be used to probe registrations.
		h.failVerification(w, r, "login", err)
		return
	}

	res, err := h.verifier.VerifyAssertion(&payload, rec.PublicKey, h.expected(chal))
	if err != nil {
		h.failVerification(w, r, "login", err)
		return
	}
	if !h.advanceCounter(w, r, "login", &rec, res.Counter) {
		return
	}

	verificationCount.WithLabelValues("login", "success").Inc()
	h.consumeChallengeCookie(w)
	identity := h.mintIdentity(rec)
	writeJSON(w, http.StatusOK, verifyResponse{Identity: identity, Legacy: models.ToLegacySession(identity)})
}

func (h *Handler) handleCacheVerify(w http.ResponseWriter, r *http.Request) {
	chal, ok := h.challengeFromCookie(w, r)
	if !ok {
		return
	}

	var req cacheVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed cache-restore payload")
		return
	}
	credentialID, err := challenge.Decode(req.Credential.CredentialID)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed cache-restore payload")
		return
	}

	// Prefer the server-side record when one survives; the client-supplied
	// descriptor only fills in when this process has no durable backend
	// memory of the credential. Either way a fresh assertion must verify.
	rec, err := h.store.GetCredential(r.Context(), credentialID)
	adopted := false
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("credential lookup failed", "error", err)
			writeServiceUnavailable(w)
			return
		}
		publicKey, decErr := challenge.Decode(req.Credential.PublicKey)
		if decErr != nil {
			writeProblem(w, http.StatusBadRequest, "malformed cache-restore payload")
			return
		}
		rec = storage.CredentialRecord{
			CredentialID: credentialID,
			CitizenID:    webauthn.DeriveCitizenID(credentialID),
			PublicKey:    publicKey,
			Counter:      req.Credential.Counter,
			CreatedAt:    h.clock(),
		}
		adopted = true
	}

	res, err := h.verifier.VerifyAssertion(&req.Assertion, rec.PublicKey, h.expected(chal))
	if err != nil {
		h.failVerification(w, r, "cache", err)
		return
	}
	if !h.advanceCounter(w, r, "cache", &rec, res.Counter) {
		return
	}
	if adopted {
		rec.Counter = res.Counter
		if err := h.store.PutCredential(r.Context(), rec); err != nil && !errors.Is(err, storage.ErrDuplicate) {
			h.logger.Error("adopt cached credential failed", "error", err)
			writeServiceUnavailable(w)
			return
		}
	}

	verificationCount.WithLabelValues("cache", "success").Inc()
	h.consumeChallengeCookie(w)
	identity := h.mintIdentity(rec)
	writeJSON(w, http.StatusOK, verifyResponse{Identity: identity, Legacy: models.ToLegacySession(identity)})
}

func (h *Handler) handleOnboardingComplete(w http.ResponseWriter, r *http.Request) {
	var req models.OnboardingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CitizenID == "" {
		writeProblem(w, http.StatusBadRequest, "malformed onboarding payload")
		return
	}

	now := h.clock()
	if d := h.onboardingIDLimiter.Check("citizen:"+req.CitizenID, now); !d.Allowed {
		rateLimitedCount.WithLabelValues("onboarding_identity").Inc()
		writeRateLimited(w, d.RetryAfterSeconds)
		return
	}
	if d := h.onboardingIPLimiter.Check(clientIP(r), now); !d.Allowed {
		rateLimitedCount.WithLabelValues("onboarding_ip").Inc()
		writeRateLimited(w, d.RetryAfterSeconds)
		return
	}

	identity, err := h.onboarding.Complete(r.Context(), req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "unknown citizen")
			return
		}
		h.logger.Error("onboarding completion failed", "error", err)
		writeServiceUnavailable(w)
		return
	}
	identity.AuthenticatedAt = now
	writeJSON(w, http.StatusOK, verifyResponse{Identity: identity, Legacy: models.ToLegacySession(identity)})
}

// challengeFromCookie verifies the signed challenge cookie. The false return
// means the response has already been written.
func (h *Handler) challengeFromCookie(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	cookie, err := r.Cookie(challenge.CookieName)
	if err != nil {
		writeProblem(w, http.StatusUnauthorized, "challenge cookie missing")
		return nil, false
	}
	chal, err := h.issuer.Verify(cookie.Value)
	if err != nil {
		if errors.Is(err, challenge.ErrMisconfigured) {
			h.logger.Error("challenge verification misconfigured", "error", err)
			writeServiceUnavailable(w)
			return nil, false
		}
		writeProblem(w, http.StatusUnauthorized, "challenge expired or invalid")
		return nil, false
	}
	return chal, true
}

// consumeChallengeCookie expires the cookie so the challenge cannot be
// replayed through the same browser.
func (h *Handler) consumeChallengeCookie(w http.ResponseWriter) {
	expired := challenge.Cookie("")
	expired.MaxAge = -1
	http.SetCookie(w, expired)
}

// failVerification reports a 4xx without distinguishing unknown credentials
// from cryptographic failure, and counts the failed attempt toward the
// challenge window so repeated failures trip the limiter.
func (h *Handler) failVerification(w http.ResponseWriter, r *http.Request, ceremony string, err error) {
	verificationCount.WithLabelValues(ceremony, "failure").Inc()
	h.challengeLimiter.Check(clientIP(r), h.clock())
	h.logger.Warn("ceremony verification failed", "ceremony", ceremony, "error", err)
	writeProblem(w, http.StatusBadRequest, "credential verification failed")
}

// advanceCounter enforces and persists the monotonic signature counter. The
// false return means the response has already been written.
func (h *Handler) advanceCounter(w http.ResponseWriter, r *http.Request, ceremony string, rec *storage.CredentialRecord, returned uint32) bool {
	if err := webauthn.CheckCounter(rec.Counter, returned); err != nil {
		verificationCount.WithLabelValues(ceremony, "counter_regression").Inc()
		h.logger.Warn("signature counter did not advance, possible credential clone",
			"ceremony", ceremony, "credential_id", challenge.Encode(rec.CredentialID))
		writeProblem(w, http.StatusBadRequest, "credential verification failed")
		return false
	}
	if returned == 0 {
		return true
	}
	err := h.store.UpdateCounter(r.Context(), rec.CredentialID, returned)
	switch {
	case err == nil:
		rec.Counter = returned
		return true
	case errors.Is(err, storage.ErrCounterConflict):
		verificationCount.WithLabelValues(ceremony, "counter_regression").Inc()
		writeProblem(w, http.StatusBadRequest, "credential verification failed")
		return false
	case errors.Is(err, storage.ErrNotFound):
		// Cache-restore path before adoption; the caller persists the
		// record with the returned counter.
		rec.Counter = returned
		return true
	default:
		h.logger.Error("persist counter failed", "error", err)
		writeServiceUnavailable(w)
		return false
	}
}

func (h *Handler) expected(chal []byte) webauthn.Expected {
	return webauthn.Expected{
		Challenge: chal,
		Origin:    h.cfg.Origin,
		RPID:      h.cfg.RelyingPartyID,
	}
}

func (h *Handler) mintIdentity(rec storage.CredentialRecord) models.CitizenIdentity {
	return models.CitizenIdentity{
		CitizenID:       rec.CitizenID,
		Handle:          rec.Handle,
		AuthenticatedAt: h.clock(),
		Onboarded:       rec.Onboarded,
	}
}
