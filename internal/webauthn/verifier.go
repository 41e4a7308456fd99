package webauthn

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
)

var (
	ErrVerificationFailed     = errors.New("webauthn: verification failed")
	ErrUnsupportedAttestation = errors.New("webauthn: unsupported attestation format")
	ErrCounterRegression      = errors.New("webauthn: signature counter did not advance")

	errChallengeMismatch        = fmt.Errorf("%w: client data challenge mismatch", ErrVerificationFailed)
	errOriginMismatch           = fmt.Errorf("%w: client data origin mismatch", ErrVerificationFailed)
	errCeremonyTypeMismatch     = fmt.Errorf("%w: client data type mismatch", ErrVerificationFailed)
	errRelyingPartyHashMismatch = fmt.Errorf("%w: rpId hash mismatch", ErrVerificationFailed)
	errUserVerificationMissing  = fmt.Errorf("%w: user verification flags not set", ErrVerificationFailed)
)

// Expected pins the server-side context a ceremony response must match.
type Expected struct {
	Challenge []byte
	Origin    string
	RPID      string
}

// RegisteredCredential is what registration verification extracts for
// persistence: the public half of the new device-bound key pair.
type RegisteredCredential struct {
	CredentialID []byte
	PublicKey    []byte // raw COSE key bytes
	Counter      uint32
}

// VerifiedAssertion is the outcome of assertion verification. Counter is the
// authenticator's reported value; the caller enforces monotonicity against
// its stored counter via CheckCounter before trusting it.
type VerifiedAssertion struct {
	CredentialID []byte
	Counter      uint32
	UserHandle   []byte
}

// Verifier is the standards-compliant ceremony verification capability the
// session issuer consumes.
type Verifier interface {
	VerifyRegistration(payload *RegistrationPayload, expected Expected) (*RegisteredCredential, error)
	VerifyAssertion(payload *AssertionPayload, storedPublicKey []byte, expected Expected) (*VerifiedAssertion, error)
}

// StandardsVerifier implements Verifier for "none"-format attestations and
// ES256/Ed25519 credentials, the same scope the platform authenticators this
// subsystem targets produce.
type StandardsVerifier struct{}

type attestationObject struct {
	Fmt      string          `cbor:"fmt"`
	AttStmt  cbor.RawMessage `cbor:"attStmt"`
	AuthData []byte          `cbor:"authData"`
}

func (StandardsVerifier) VerifyRegistration(payload *RegistrationPayload, expected Expected) (*RegisteredCredential, error) {
	rawID, clientData, err := decodeCommon(payload.RawID, payload.Response.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	if err := verifyClientData(clientData, CeremonyCreate, expected); err != nil {
		return nil, err
	}

	attRaw, err := decodeField(payload.Response.AttestationObject)
	if err != nil {
		return nil, err
	}
	var att attestationObject
	if err := cbor.Unmarshal(attRaw, &att); err != nil {
		return nil, fmt.Errorf("%w: decode attestation object: %v", ErrVerificationFailed, err)
	}
	if att.Fmt != "none" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAttestation, att.Fmt)
	}

	authData, err := ParseAuthenticatorData(att.AuthData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if err := verifyAuthDataContext(authData, expected.RPID); err != nil {
		return nil, err
	}
	if len(authData.CredentialID) == 0 || len(authData.CredentialPublicKey) == 0 {
		return nil, fmt.Errorf("%w: attested credential data missing", ErrVerificationFailed)
	}
	if !bytes.Equal(authData.CredentialID, rawID) {
		return nil, fmt.Errorf("%w: credential id does not match attested data", ErrVerificationFailed)
	}
	if err := ValidateCOSEKey(authData.CredentialPublicKey); err != nil {
		return nil, err
	}

	return &RegisteredCredential{
		CredentialID: authData.CredentialID,
		PublicKey:    authData.CredentialPublicKey,
		Counter:      authData.Counter,
	}, nil
}

func (StandardsVerifier) VerifyAssertion(payload *AssertionPayload, storedPublicKey []byte, expected Expected) (*VerifiedAssertion, error) {
	rawID, clientData, err := decodeCommon(payload.RawID, payload.Response.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	if err := verifyClientData(clientData, CeremonyGet, expected); err != nil {
		return nil, err
	}

	authRaw, err := decodeField(payload.Response.AuthenticatorData)
	if err != nil {
		return nil, err
	}
	sig, err := decodeField(payload.Response.Signature)
	if err != nil {
		return nil, err
	}
	authData, err := ParseAuthenticatorData(authRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if err := verifyAuthDataContext(authData, expected.RPID); err != nil {
		return nil, err
	}

	digest := sha256.Sum256(clientData)
	message := append(append([]byte(nil), authRaw...), digest[:]...)
	if err := VerifyCOSESignature(storedPublicKey, message, sig); err != nil {
		if errors.Is(err, ErrUnsupportedAlgorithm) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	out := &VerifiedAssertion{CredentialID: rawID, Counter: authData.Counter}
	if payload.Response.UserHandle != "" {
		if out.UserHandle, err = decodeField(payload.Response.UserHandle); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CheckCounter enforces the anti-cloning invariant: once either side reports
// a nonzero counter, the returned value must strictly exceed the stored one.
// Two zeros mean the authenticator does not implement counters at all.
func CheckCounter(stored, returned uint32) error {
	if stored == 0 && returned == 0 {
		return nil
	}
	if returned <= stored {
		return ErrCounterRegression
	}
	return nil
}

// DeriveCitizenID maps a credential id to the stable opaque citizen
// identifier: base58 over a SHA-256 digest, immutable for the credential's
// lifetime.
func DeriveCitizenID(credentialID []byte) string {
	sum := sha256.Sum256(credentialID)
	return "ctz" + base58.Encode(sum[:])
}

func verifyClientData(raw []byte, wantType string, expected Expected) error {
	var cd CollectedClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return fmt.Errorf("%w: decode client data: %v", ErrVerificationFailed, err)
	}
	if cd.Type != wantType {
		return fmt.Errorf("%w: got %q", errCeremonyTypeMismatch, cd.Type)
	}
	wantChallenge := base64.RawURLEncoding.EncodeToString(expected.Challenge)
	if subtle.ConstantTimeCompare([]byte(cd.Challenge), []byte(wantChallenge)) != 1 {
		return errChallengeMismatch
	}
	if cd.Origin != expected.Origin {
		return errOriginMismatch
	}
	return nil
}

func verifyAuthDataContext(authData *AuthenticatorData, rpID string) error {
	rpHash := sha256.Sum256([]byte(rpID))
	if !bytes.Equal(authData.RPIDHash, rpHash[:]) {
		return errRelyingPartyHashMismatch
	}
	if !authData.UserPresent() || !authData.UserVerified() {
		return errUserVerificationMissing
	}
	return nil
}

func decodeCommon(rawID, clientDataJSON string) (id, clientData []byte, err error) {
	if id, err = decodeField(rawID); err != nil {
		return nil, nil, err
	}
	if clientData, err = decodeField(clientDataJSON); err != nil {
		return nil, nil, err
	}
	return id, clientData, nil
}

func decodeField(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad field encoding: %v", ErrVerificationFailed, err)
	}
	return b, nil
}
