package webauthn

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// COSE identifiers for the two key algorithms this subsystem accepts.
const (
	AlgES256 = -7
	AlgEdDSA = -8

	coseKtyOKP = 1
	coseKtyEC2 = 2

	coseCrvP256    = 1
	coseCrvEd25519 = 6
)

var ErrUnsupportedAlgorithm = errors.New("webauthn: unsupported credential algorithm")

type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint,omitempty"`
	X   []byte `cbor:"-2,keyasint,omitempty"`
	Y   []byte `cbor:"-3,keyasint,omitempty"`
}

// ValidateCOSEKey checks that raw is a parseable COSE key of a supported
// algorithm. Used at registration before the key is persisted.
func ValidateCOSEKey(raw []byte) error {
	_, err := parseCOSEKey(raw)
	return err
}

// VerifyCOSESignature checks sig over message with the COSE-encoded public
// key. The message is authenticatorData || SHA-256(clientDataJSON), built by
// the caller.
func VerifyCOSESignature(rawKey, message, sig []byte) error {
	key, err := parseCOSEKey(rawKey)
	if err != nil {
		return err
	}
	switch key.Alg {
	case AlgES256:
		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(key.X),
			Y:     new(big.Int).SetBytes(key.Y),
		}
		digest := sha256.Sum256(message)
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return errors.New("webauthn: ES256 signature verification failed")
		}
	case AlgEdDSA:
		if !ed25519.Verify(ed25519.PublicKey(key.X), message, sig) {
			return errors.New("webauthn: Ed25519 signature verification failed")
		}
	default:
		return ErrUnsupportedAlgorithm
	}
	return nil
}

func parseCOSEKey(raw []byte) (*coseKey, error) {
	var key coseKey
	if err := cbor.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("webauthn: decode COSE key: %w", err)
	}
	switch key.Alg {
	case AlgES256:
		if key.Kty != coseKtyEC2 || key.Crv != coseCrvP256 || len(key.X) != 32 || len(key.Y) != 32 {
			return nil, fmt.Errorf("webauthn: malformed ES256 key")
		}
	case AlgEdDSA:
		if key.Kty != coseKtyOKP || key.Crv != coseCrvEd25519 || len(key.X) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("webauthn: malformed Ed25519 key")
		}
	default:
		return nil, ErrUnsupportedAlgorithm
	}
	return &key, nil
}
