package identitycache

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/opencivic/citizenid/internal/session"
	"github.com/opencivic/citizenid/pkg/models"
)

func testEntry() (models.CitizenIdentity, models.CachedCredential) {
	identity := models.CitizenIdentity{
		CitizenID:       "ctzFixture",
		Handle:          "ada",
		AuthenticatedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Onboarded:       true,
	}
	credential := models.CachedCredential{
		CredentialID: bytes.Repeat([]byte{0xAB}, 16),
		PublicKey:    bytes.Repeat([]byte{0xCD}, 32),
		Counter:      7,
	}
	return identity, credential
}

func TestRoundTrip(t *testing.T) {
	kv := session.NewMemoryKV()
	cache := New(kv)
	identity, credential := testEntry()

	if cache.HasCache() {
		t.Fatal("fresh cache must be empty")
	}
	if err := cache.Store(identity, credential); err != nil {
		t.Fatalf("store: %v", err)
	}
	if !cache.HasCache() {
		t.Fatal("HasCache should see the envelope")
	}

	got, err := cache.Retrieve()
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got == nil {
		t.Fatal("expected a cached entry")
	}
	if got.Identity != identity {
		t.Fatalf("identity mismatch: %+v vs %+v", got.Identity, identity)
	}
	if !bytes.Equal(got.Credential.CredentialID, credential.CredentialID) ||
		!bytes.Equal(got.Credential.PublicKey, credential.PublicKey) ||
		got.Credential.Counter != credential.Counter {
		t.Fatalf("credential mismatch: %+v", got.Credential)
	}
}

func TestRetrieveEmptyIsNil(t *testing.T) {
	cache := New(session.NewMemoryKV())
	got, err := cache.Retrieve()
	if err != nil || got != nil {
		t.Fatalf("empty cache should yield (nil, nil), got (%v, %v)", got, err)
	}
}

func TestPlaintextNeverTouchesStorage(t *testing.T) {
	kv := session.NewMemoryKV()
	cache := New(kv)
	identity, credential := testEntry()
	if err := cache.Store(identity, credential); err != nil {
		t.Fatal(err)
	}

	raw, ok, _ := kv.Get("citizenid.cache.envelope")
	if !ok {
		t.Fatal("envelope missing")
	}
	if bytes.Contains(raw, []byte("ctzFixture")) || bytes.Contains(raw, []byte("ada")) {
		t.Fatal("identity fields leaked into the stored envelope")
	}
}

func mutateEnvelope(t *testing.T, kv KV, mutate func(e *models.EncryptedCacheEnvelope)) {
	t.Helper()
	raw, ok, err := kv.Get("citizenid.cache.envelope")
	if err != nil || !ok {
		t.Fatalf("envelope read: ok=%v err=%v", ok, err)
	}
	var envelope models.EncryptedCacheEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	mutate(&envelope)
	out, err := json.Marshal(envelope)
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set("citizenid.cache.envelope", out); err != nil {
		t.Fatal(err)
	}
}

func flipBit(t *testing.T, encoded string) string {
	t.Helper()
	b, err := base64.RawURLEncoding.Strict().DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b[len(b)/2] ^= 0x01
	return base64.RawURLEncoding.EncodeToString(b)
}

func TestTamperingClearsTheCache(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(t *testing.T, e *models.EncryptedCacheEnvelope)
	}{
		{"ciphertext bit flip", func(t *testing.T, e *models.EncryptedCacheEnvelope) {
			e.Ciphertext = flipBit(t, e.Ciphertext)
		}},
		{"iv bit flip", func(t *testing.T, e *models.EncryptedCacheEnvelope) {
			e.IV = flipBit(t, e.IV)
		}},
		{"credential id swap", func(t *testing.T, e *models.EncryptedCacheEnvelope) {
			e.CredentialID = base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{0x11}, 16))
		}},
		{"iv truncated", func(t *testing.T, e *models.EncryptedCacheEnvelope) {
			e.IV = e.IV[:4]
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kv := session.NewMemoryKV()
			cache := New(kv)
			identity, credential := testEntry()
			if err := cache.Store(identity, credential); err != nil {
				t.Fatal(err)
			}

			mutateEnvelope(t, kv, func(e *models.EncryptedCacheEnvelope) { tc.mutate(t, e) })

			got, err := cache.Retrieve()
			if err != nil {
				t.Fatalf("tamper must not surface an error: %v", err)
			}
			if got != nil {
				t.Fatal("tampered cache must yield nil")
			}
			if cache.HasCache() {
				t.Fatal("tampered cache must be cleared, not retried")
			}
		})
	}
}

func TestCorruptJSONClearsTheCache(t *testing.T) {
	kv := session.NewMemoryKV()
	cache := New(kv)
	identity, credential := testEntry()
	if err := cache.Store(identity, credential); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set("citizenid.cache.envelope", []byte("{broken")); err != nil {
		t.Fatal(err)
	}

	if got, err := cache.Retrieve(); err != nil || got != nil {
		t.Fatalf("corrupt envelope should clear and yield nil, got (%v, %v)", got, err)
	}
	if cache.HasCache() {
		t.Fatal("corrupt envelope must be cleared")
	}
}

func TestKeysAreCredentialBound(t *testing.T) {
	identity, credential := testEntry()

	kv := session.NewMemoryKV()
	cache := New(kv)
	if err := cache.Store(identity, credential); err != nil {
		t.Fatal(err)
	}

	// Rewrite the cleartext credential id: the re-derived key must no
	// longer open the ciphertext.
	other := bytes.Repeat([]byte{0xEE}, 16)
	mutateEnvelope(t, kv, func(e *models.EncryptedCacheEnvelope) {
		e.CredentialID = base64.RawURLEncoding.EncodeToString(other)
	})

	if got, _ := cache.Retrieve(); got != nil {
		t.Fatal("a different credential id must derive a non-interchangeable key")
	}
}

func TestClearIsIdempotent(t *testing.T) {
	cache := New(session.NewMemoryKV())
	if err := cache.Clear(); err != nil {
		t.Fatalf("clearing an empty cache: %v", err)
	}
	identity, credential := testEntry()
	if err := cache.Store(identity, credential); err != nil {
		t.Fatal(err)
	}
	if err := cache.Clear(); err != nil {
		t.Fatal(err)
	}
	if cache.HasCache() {
		t.Fatal("cache should be gone")
	}
}
