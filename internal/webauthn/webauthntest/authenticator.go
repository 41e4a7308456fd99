// Package webauthntest provides a software authenticator: an in-memory
// platform-authenticator stand-in that produces real, verifiable
// attestations and assertions (Ed25519, "none" attestation format).
package webauthntest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/opencivic/citizenid/internal/webauthn"
)

// Authenticator is a deterministic in-memory authenticator. Safe for use
// from a single test goroutine.
type Authenticator struct {
	Origin string

	// CancelNext makes the next ceremony behave like the user dismissing
	// the platform prompt.
	CancelNext bool

	mu    sync.Mutex
	creds []*softCredential
}

type softCredential struct {
	id         []byte
	rpID       string
	userHandle []byte
	priv       ed25519.PrivateKey
	counter    uint32
}

func New(origin string) *Authenticator {
	return &Authenticator{Origin: origin}
}

// Create mints a new resident Ed25519 credential for the relying party and
// returns a "none"-format attestation over it.
func (a *Authenticator) Create(_ context.Context, opts webauthn.CreationOptions) (*webauthn.AttestationResult, error) {
	if a.CancelNext {
		a.CancelNext = false
		return nil, webauthn.ErrCancelled
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}

	cred := &softCredential{
		id:         id,
		rpID:       opts.RPID,
		userHandle: append([]byte(nil), opts.UserID...),
		priv:       priv,
	}
	a.mu.Lock()
	a.creds = append(a.creds, cred)
	a.mu.Unlock()

	coseKey, err := cbor.Marshal(map[int]any{
		1:  1,  // kty OKP
		3:  -8, // alg EdDSA
		-1: 6,  // crv Ed25519
		-2: []byte(pub),
	})
	if err != nil {
		return nil, err
	}

	authData := buildAuthData(opts.RPID, 0x01|0x04|0x40, 0)
	var aaguid [16]byte
	authData = append(authData, aaguid[:]...)
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(id)))
	authData = append(authData, id...)
	authData = append(authData, coseKey...)

	attObj, err := cbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	if err != nil {
		return nil, err
	}

	return &webauthn.AttestationResult{
		CredentialID:      id,
		ClientDataJSON:    a.clientData(webauthn.CeremonyCreate, opts.Challenge),
		AttestationObject: attObj,
	}, nil
}

// Get signs an assertion with an existing credential, honoring the
// allow-list narrowing when present.
func (a *Authenticator) Get(_ context.Context, opts webauthn.RequestOptions) (*webauthn.AssertionResult, error) {
	if a.CancelNext {
		a.CancelNext = false
		return nil, webauthn.ErrCancelled
	}

	cred, err := a.pick(opts)
	if err != nil {
		return nil, err
	}
	cred.counter++

	authData := buildAuthData(opts.RPID, 0x01|0x04, cred.counter)
	clientData := a.clientData(webauthn.CeremonyGet, opts.Challenge)
	digest := sha256.Sum256(clientData)
	sig := ed25519.Sign(cred.priv, append(append([]byte(nil), authData...), digest[:]...))

	return &webauthn.AssertionResult{
		CredentialID:      cred.id,
		ClientDataJSON:    clientData,
		AuthenticatorData: authData,
		Signature:         sig,
		UserHandle:        cred.userHandle,
	}, nil
}

// SetCounter overrides a credential's counter, for replay/cloning tests.
func (a *Authenticator) SetCounter(credentialID []byte, counter uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.creds {
		if bytes.Equal(c.id, credentialID) {
			c.counter = counter
			return nil
		}
	}
	return errors.New("webauthntest: no such credential")
}

func (a *Authenticator) pick(opts webauthn.RequestOptions) (*softCredential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.creds {
		if c.rpID != opts.RPID {
			continue
		}
		if len(opts.AllowCredentialIDs) == 0 {
			return c, nil
		}
		for _, allowed := range opts.AllowCredentialIDs {
			if bytes.Equal(allowed, c.id) {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no matching credential", webauthn.ErrNotSupported)
}

func (a *Authenticator) clientData(ceremonyType string, chal []byte) []byte {
	raw, _ := json.Marshal(webauthn.CollectedClientData{
		Type:      ceremonyType,
		Challenge: base64.RawURLEncoding.EncodeToString(chal),
		Origin:    a.Origin,
	})
	return raw
}

func buildAuthData(rpID string, flags byte, counter uint32) []byte {
	rpHash := sha256.Sum256([]byte(rpID))
	out := append([]byte(nil), rpHash[:]...)
	out = append(out, flags)
	return binary.BigEndian.AppendUint32(out, counter)
}
