// Package ceremony orchestrates the client half of the credential ceremony:
// fetch a challenge, run the platform authenticator, encode the result and
// post it to the verification endpoints. All failures collapse into a single
// *Error with a machine-readable kind.
package ceremony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"sync"
	"time"

	"github.com/moogar0880/problems"

	"github.com/opencivic/citizenid/internal/webauthn"
	"github.com/opencivic/citizenid/pkg/models"
)

// Authenticator is the platform credential capability. The browser binding
// implements it over the navigator credential APIs; tests substitute a
// software authenticator.
type Authenticator interface {
	Create(ctx context.Context, opts webauthn.CreationOptions) (*webauthn.AttestationResult, error)
	Get(ctx context.Context, opts webauthn.RequestOptions) (*webauthn.AssertionResult, error)
}

// Result is a successful ceremony outcome. Credential is present after
// registration (and cache adoption) so the caller can feed the identity
// cache.
type Result struct {
	Identity   models.CitizenIdentity
	Credential *models.CachedCredential
}

// Client drives ceremonies against one identity server. The challenge
// cookie travels through the embedded jar, so one Client instance spans the
// challenge fetch and the verification post.
type Client struct {
	baseURL string
	http    *http.Client
	auth    Authenticator

	// Only one ceremony may be in flight: the platform prompt is modal and
	// a second concurrent ceremony would race it for the challenge cookie.
	mu sync.Mutex
}

func NewClient(baseURL string, httpClient *http.Client, auth Authenticator) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("ceremony: base URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("ceremony: cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}
	return &Client{baseURL: baseURL, http: httpClient, auth: auth}, nil
}

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

type wireCachedCredential struct {
	CredentialID string `json:"credentialId"`
	PublicKey    string `json:"publicKey"`
	Counter      uint32 `json:"counter"`
}

type verifyResponse struct {
	Identity         models.CitizenIdentity `json:"identity"`
	CachedCredential *wireCachedCredential  `json:"cachedCredential"`
}

// Register runs the credential-creation ceremony and returns the minted
// identity together with the cacheable credential descriptor.
func (c *Client) Register(ctx context.Context) (*Result, error) {
	if !c.mu.TryLock() {
		return nil, newError(KindCeremonyInFlight, "another ceremony is already in progress", nil)
	}
	defer c.mu.Unlock()
	if c.auth == nil {
		return nil, newError(KindNotSupported, "no platform authenticator available", nil)
	}

	var chalResp registerChallengeResponse
	if err := c.getChallenge(ctx, "/auth/register/challenge", &chalResp); err != nil {
		return nil, err
	}
	chal, err := decodeField(chalResp.Challenge)
	if err != nil {
		return nil, newError(KindVerificationFailed, "server sent an undecodable challenge", err)
	}
	userID, err := decodeField(chalResp.UserID)
	if err != nil {
		return nil, newError(KindVerificationFailed, "server sent an undecodable user handle", err)
	}

	attestation, err := c.auth.Create(ctx, webauthn.CreationOptions{
		Challenge:        chal,
		RPID:             chalResp.RelyingPartyID,
		RPName:           chalResp.RelyingPartyName,
		UserID:           userID,
		UserVerification: "required",
	})
	if err != nil {
		return nil, mapAuthenticatorError(err)
	}

	payload := webauthn.RegistrationPayload{
		ID:    encodeField(attestation.CredentialID),
		RawID: encodeField(attestation.CredentialID),
		Type:  "public-key",
		Response: webauthn.RegistrationPayloadDetails{
			ClientDataJSON:    encodeField(attestation.ClientDataJSON),
			AttestationObject: encodeField(attestation.AttestationObject),
		},
	}
	return c.postVerify(ctx, "/auth/register/verify", payload)
}

// Authenticate runs the discoverable-credential assertion ceremony.
func (c *Client) Authenticate(ctx context.Context) (*Result, error) {
	return c.assert(ctx, "/auth/login/verify", nil, nil)
}

// RestoreFromCache runs a narrowed assertion ceremony over exactly the
// cached credential and posts it with the descriptor, so a server without a
// durable backend can re-adopt the credential. The cached material is never
// trusted without this fresh proof of possession.
func (c *Client) RestoreFromCache(ctx context.Context, cached *models.CachedCredential) (*Result, error) {
	if cached == nil || len(cached.CredentialID) == 0 {
		return nil, newError(KindCacheCorrupt, "no cached credential to restore", nil)
	}
	return c.assert(ctx, "/auth/cache/verify", [][]byte{cached.CredentialID}, cached)
}

func (c *Client) assert(ctx context.Context, verifyPath string, allow [][]byte, cached *models.CachedCredential) (*Result, error) {
	if !c.mu.TryLock() {
		return nil, newError(KindCeremonyInFlight, "another ceremony is already in progress", nil)
	}
	defer c.mu.Unlock()
	if c.auth == nil {
		return nil, newError(KindNotSupported, "no platform authenticator available", nil)
	}

	var chalResp loginChallengeResponse
	if err := c.getChallenge(ctx, "/auth/login/challenge", &chalResp); err != nil {
		return nil, err
	}
	chal, err := decodeField(chalResp.Challenge)
	if err != nil {
		return nil, newError(KindVerificationFailed, "server sent an undecodable challenge", err)
	}

	assertion, err := c.auth.Get(ctx, webauthn.RequestOptions{
		Challenge:          chal,
		RPID:               chalResp.RelyingPartyID,
		AllowCredentialIDs: allow,
		UserVerification:   "required",
	})
	if err != nil {
		return nil, mapAuthenticatorError(err)
	}

	payload := webauthn.AssertionPayload{
		ID:    encodeField(assertion.CredentialID),
		RawID: encodeField(assertion.CredentialID),
		Type:  "public-key",
		Response: webauthn.AssertionPayloadDetails{
			ClientDataJSON:    encodeField(assertion.ClientDataJSON),
			AuthenticatorData: encodeField(assertion.AuthenticatorData),
			Signature:         encodeField(assertion.Signature),
			UserHandle:        encodeField(assertion.UserHandle),
		},
	}

	if cached == nil {
		return c.postVerify(ctx, verifyPath, payload)
	}
	return c.postVerify(ctx, verifyPath, map[string]any{
		"assertion": payload,
		"credential": wireCachedCredential{
			CredentialID: encodeField(cached.CredentialID),
			PublicKey:    encodeField(cached.PublicKey),
			Counter:      cached.Counter,
		},
	})
}

// CompleteOnboarding posts the onboarding payload and returns whatever
// identity the collaborator hands back.
func (c *Client) CompleteOnboarding(ctx context.Context, req models.OnboardingRequest) (models.CitizenIdentity, error) {
	res, err := c.postVerify(ctx, "/auth/onboarding/complete", req)
	if err != nil {
		return models.CitizenIdentity{}, err
	}
	return res.Identity, nil
}

func (c *Client) getChallenge(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return newError(KindMisconfigured, "bad server URL", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return newError(KindVerificationFailed, "could not reach the identity server", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(KindVerificationFailed, "undecodable challenge response", err)
	}
	return nil
}

func (c *Client) postVerify(ctx context.Context, path string, body any) (*Result, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, newError(KindVerificationFailed, "could not encode ceremony response", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, newError(KindMisconfigured, "bad server URL", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError(KindVerificationFailed, "could not reach the identity server", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, newError(KindVerificationFailed, "undecodable verification response", err)
	}
	result := &Result{Identity: out.Identity}
	if out.CachedCredential != nil {
		credID, err := decodeField(out.CachedCredential.CredentialID)
		if err != nil {
			return nil, newError(KindVerificationFailed, "undecodable credential descriptor", err)
		}
		publicKey, err := decodeField(out.CachedCredential.PublicKey)
		if err != nil {
			return nil, newError(KindVerificationFailed, "undecodable credential descriptor", err)
		}
		result.Credential = &models.CachedCredential{
			CredentialID: credID,
			PublicKey:    publicKey,
			Counter:      out.CachedCredential.Counter,
		}
	}
	return result, nil
}

// checkResponse maps HTTP status to the error taxonomy, pulling detail from
// the problem+json body when one is present.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	detail := http.StatusText(resp.StatusCode)
	if resp.Header.Get("Content-Type") == problems.ProblemMediaType {
		var prob problems.DefaultProblem
		if err := json.NewDecoder(resp.Body).Decode(&prob); err == nil && prob.Detail != "" {
			detail = prob.Detail
		}
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		e := newError(KindRateLimited, detail, nil)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return e
	case http.StatusUnauthorized:
		return newError(KindChallengeExpired, detail, nil)
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		return newError(KindMisconfigured, "service unavailable", nil)
	default:
		return newError(KindVerificationFailed, detail, nil)
	}
}

func mapAuthenticatorError(err error) *Error {
	switch {
	case errors.Is(err, webauthn.ErrCancelled):
		return newError(KindUserCancelled, "the prompt was dismissed", err)
	case errors.Is(err, webauthn.ErrNotSupported):
		return newError(KindNotSupported, "this device cannot perform the ceremony", err)
	default:
		return newError(KindVerificationFailed, "the authenticator failed", err)
	}
}

func encodeField(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeField(s string) ([]byte, error) {
	return base64.RawURLEncoding.Strict().DecodeString(s)
}
