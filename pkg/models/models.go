package models

import "time"

// CitizenIdentity is the authenticated identity minted by the verification
// endpoints. CitizenID is stable for the lifetime of the credential it was
// derived from; Handle and Onboarded change only through the
// onboarding-completion collaborator.
type CitizenIdentity struct {
	CitizenID       string    `json:"citizenId"`
	Handle          string    `json:"handle,omitempty"`
	AuthenticatedAt time.Time `json:"authenticatedAt"`
	Onboarded       bool      `json:"onboarded"`
}

// CachedCredential is the non-secret public half of a device-bound key pair.
// The private key never leaves the platform authenticator.
type CachedCredential struct {
	CredentialID []byte `json:"credentialId"`
	PublicKey    []byte `json:"publicKey"`
	Counter      uint32 `json:"counter"`
}

// EncryptedCacheEnvelope is the durable at-rest form of a cached identity.
// CredentialID stays cleartext because it is the key-derivation input.
type EncryptedCacheEnvelope struct {
	CredentialID string    `json:"credentialId"`
	Ciphertext   string    `json:"ciphertext"`
	IV           string    `json:"iv"`
	CreatedAt    time.Time `json:"createdAt"`
}

// OnboardingRequest is the payload the core forwards to the
// onboarding-completion collaborator.
type OnboardingRequest struct {
	CitizenID string          `json:"citizenId"`
	Handle    string          `json:"handle"`
	Consents  map[string]bool `json:"consents"`
}
