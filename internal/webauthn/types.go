// Package webauthn carries the wire shapes and verification contract for the
// public-key-credential ceremony. The cryptographic verification itself sits
// behind the Verifier interface; StandardsVerifier is the shipped
// implementation, scoped to "none" attestation and ES256/Ed25519 keys.
package webauthn

import "errors"

// Ceremony client-data types, per the WebAuthn ceremony definitions.
const (
	CeremonyCreate = "webauthn.create"
	CeremonyGet    = "webauthn.get"
)

var (
	// ErrCancelled is returned by an Authenticator when the user dismisses
	// the platform prompt. It is benign and immediately retryable.
	ErrCancelled = errors.New("webauthn: ceremony cancelled by user")

	// ErrNotSupported is returned when the platform lacks the required
	// authenticator capability. Permanent for that device.
	ErrNotSupported = errors.New("webauthn: platform authenticator not available")
)

// CreationOptions parameterize the credential-creation ceremony.
type CreationOptions struct {
	Challenge        []byte
	RPID             string
	RPName           string
	UserID           []byte
	UserName         string
	UserVerification string
}

// RequestOptions parameterize the assertion ceremony. An empty
// AllowCredentialIDs list selects the discoverable-credential flow; the
// cache-restore path narrows it to exactly one id.
type RequestOptions struct {
	Challenge          []byte
	RPID               string
	AllowCredentialIDs [][]byte
	UserVerification   string
}

// AttestationResult is the raw output of a creation ceremony, before
// transport encoding.
type AttestationResult struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AttestationObject []byte
}

// AssertionResult is the raw output of an assertion ceremony.
type AssertionResult struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	UserHandle        []byte
}

// RegistrationPayload is the transport form of an attestation response. All
// binary fields are URL-safe base64 without padding.
type RegistrationPayload struct {
	ID       string                     `json:"id"`
	RawID    string                     `json:"rawId"`
	Type     string                     `json:"type"`
	Response RegistrationPayloadDetails `json:"response"`
}

type RegistrationPayloadDetails struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AttestationObject string `json:"attestationObject"`
}

// AssertionPayload is the transport form of an assertion response.
type AssertionPayload struct {
	ID       string                  `json:"id"`
	RawID    string                  `json:"rawId"`
	Type     string                  `json:"type"`
	Response AssertionPayloadDetails `json:"response"`
}

type AssertionPayloadDetails struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle,omitempty"`
}

// CollectedClientData is the JSON the platform serializes over the ceremony
// inputs. Only the fields this subsystem checks are modeled.
type CollectedClientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}
