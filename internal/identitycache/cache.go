// Package identitycache keeps an encrypted at-rest copy of the last
// authenticated identity so a citizen can come back to a device and restore
// without a full re-registration. The cache never authenticates by itself:
// restoring still requires a fresh assertion ceremony, so the encryption
// here is confidentiality at rest, not an authentication factor.
package identitycache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/opencivic/citizenid/pkg/models"
)

const (
	envelopeKey = "citizenid.cache.envelope"

	// Key derivation has no stored secret: the IKM is the (public)
	// credential id, so confidentiality rests on device possession. Salt
	// and info are fixed so the key is reproducible from the envelope
	// alone.
	hkdfSalt = "citizenid/cache/salt/v1"
	hkdfInfo = "citizenid/cache/encryption/v1"

	keySize = 32
	ivSize  = 12
)

// KV is the durable storage the envelope persists through. It is a separate
// store from the session record; signing out does not clear it.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Cached is a decrypted cache entry.
type Cached struct {
	Identity   models.CitizenIdentity  `json:"identity"`
	Credential models.CachedCredential `json:"credential"`
}

// Cache stores at most one identity per KV.
type Cache struct {
	kv  KV
	now func() time.Time
}

func New(kv KV) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Store encrypts the identity under a key derived from the credential id
// and persists the envelope, replacing any previous entry.
func (c *Cache) Store(identity models.CitizenIdentity, credential models.CachedCredential) error {
	if len(credential.CredentialID) == 0 {
		return fmt.Errorf("identitycache: credential id is required")
	}

	plaintext, err := json.Marshal(Cached{Identity: identity, Credential: credential})
	if err != nil {
		return fmt.Errorf("identitycache: encode: %w", err)
	}

	aead, err := newAEAD(credential.CredentialID)
	if err != nil {
		return err
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("identitycache: iv: %w", err)
	}
	ciphertext := aead.Seal(nil, iv, plaintext, nil)

	envelope := models.EncryptedCacheEnvelope{
		CredentialID: base64.RawURLEncoding.EncodeToString(credential.CredentialID),
		Ciphertext:   base64.RawURLEncoding.EncodeToString(ciphertext),
		IV:           base64.RawURLEncoding.EncodeToString(iv),
		CreatedAt:    c.now(),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("identitycache: encode envelope: %w", err)
	}
	if err := c.kv.Set(envelopeKey, raw); err != nil {
		return fmt.Errorf("identitycache: persist: %w", err)
	}
	return nil
}

// Retrieve decrypts and returns the cached entry, or nil when there is
// none. Any decode or decrypt failure clears the cache and returns nil:
// corruption is never transient, so there is nothing to retry.
func (c *Cache) Retrieve() (*Cached, error) {
	raw, ok, err := c.kv.Get(envelopeKey)
	if err != nil {
		return nil, fmt.Errorf("identitycache: read: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var envelope models.EncryptedCacheEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, c.Clear()
	}
	credentialID, err := base64.RawURLEncoding.Strict().DecodeString(envelope.CredentialID)
	if err != nil || len(credentialID) == 0 {
		return nil, c.Clear()
	}
	ciphertext, err := base64.RawURLEncoding.Strict().DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, c.Clear()
	}
	iv, err := base64.RawURLEncoding.Strict().DecodeString(envelope.IV)
	if err != nil || len(iv) != ivSize {
		return nil, c.Clear()
	}

	aead, err := newAEAD(credentialID)
	if err != nil {
		return nil, c.Clear()
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, c.Clear()
	}

	var cached Cached
	if err := json.Unmarshal(plaintext, &cached); err != nil {
		return nil, c.Clear()
	}
	return &cached, nil
}

// Clear drops the envelope. Clearing an empty cache is not an error.
func (c *Cache) Clear() error {
	return c.kv.Delete(envelopeKey)
}

// HasCache reports whether an envelope exists, without decrypting it.
func (c *Cache) HasCache() bool {
	_, ok, err := c.kv.Get(envelopeKey)
	return err == nil && ok
}

// newAEAD derives the AES-GCM cipher for a credential id. The id is hashed
// first so the IKM has a fixed length regardless of authenticator.
func newAEAD(credentialID []byte) (cipher.AEAD, error) {
	ikm := sha256.Sum256(credentialID)
	key, err := hkdfExpand(ikm[:], keySize)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identitycache: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identitycache: aead: %w", err)
	}
	return aead, nil
}

func hkdfExpand(ikm []byte, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, []byte(hkdfSalt), []byte(hkdfInfo))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("identitycache: derive key: %w", err)
	}
	return out, nil
}
