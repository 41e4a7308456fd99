// Package challenge issues and verifies the signed, time-boxed challenges
// that anchor every credential ceremony. A challenge travels to the browser
// as an opaque cookie value "<challenge>.<expiry>.<signature>" and is only
// accepted back if the HMAC recomputes and the expiry has not passed.
package challenge

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// TTL is the hard server-side validity window. Client-perceived latency
	// does not extend it.
	TTL = 30 * time.Second

	// Size is the entropy drawn per challenge, in bytes.
	Size = 32

	CookieName = "auth_challenge"
	CookiePath = "/auth"
)

var (
	ErrMisconfigured = errors.New("challenge: signing secret is not configured")
	ErrMalformed     = errors.New("challenge: token is malformed")
	ErrBadSignature  = errors.New("challenge: signature mismatch")
	ErrExpired       = errors.New("challenge: expired")
)

// Issued is one freshly minted challenge. Challenge is the raw random bytes;
// Token is the signed transport form for the cookie.
type Issued struct {
	Challenge []byte
	Expiry    time.Time
	Token     string
}

// Issuer signs and verifies challenge tokens with a server-held secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer accepts an empty secret so the server can start and report the
// misconfiguration per request instead of silently issuing unsigned
// challenges; Issue and Verify fail with ErrMisconfigured in that case.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret, now: time.Now}
}

// WithClock replaces the issuer's clock. Test hook.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue draws Size random bytes and signs them together with an expiry
// timestamp TTL from now.
func (i *Issuer) Issue() (Issued, error) {
	if len(i.secret) == 0 {
		return Issued{}, ErrMisconfigured
	}
	raw := make([]byte, Size)
	if _, err := rand.Read(raw); err != nil {
		return Issued{}, fmt.Errorf("challenge: draw entropy: %w", err)
	}
	expiry := i.now().Add(TTL).Truncate(time.Second)

	encoded := Encode(raw)
	expiryStr := strconv.FormatInt(expiry.Unix(), 10)
	sig := i.sign(encoded, expiryStr)

	return Issued{
		Challenge: raw,
		Expiry:    expiry,
		Token:     encoded + "." + expiryStr + "." + Encode(sig),
	}, nil
}

// Verify recomputes the signature over the token's challenge and expiry and
// returns the raw challenge bytes. A token at or past its expiry is rejected
// even when the signature holds.
func (i *Issuer) Verify(token string) ([]byte, error) {
	if len(i.secret) == 0 {
		return nil, ErrMisconfigured
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	raw, err := Decode(parts[0])
	if err != nil || len(raw) != Size {
		return nil, ErrMalformed
	}
	expiryUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}
	sig, err := Decode(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}

	want := i.sign(parts[0], parts[1])
	if !hmac.Equal(sig, want) {
		return nil, ErrBadSignature
	}
	if !i.now().Before(time.Unix(expiryUnix, 0)) {
		return nil, ErrExpired
	}
	return raw, nil
}

func (i *Issuer) sign(encodedChallenge, expiry string) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(encodedChallenge + "." + expiry))
	return mac.Sum(nil)
}

// Cookie wraps a signed token in the transport cookie: HTTP-only, secure,
// same-site-strict, scoped to the auth routes, max-age matching the TTL.
func Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     CookiePath,
		MaxAge:   int(TTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

// Encode and Decode are the URL-safe unpadded base64 codec used for every
// binary field that crosses the network boundary. Decoding is strict so a
// flipped trailing bit cannot alias to the same byte string.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.Strict().DecodeString(strings.TrimRight(s, "="))
}
