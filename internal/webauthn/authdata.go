package webauthn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Authenticator data flag bits.
const (
	flagUserPresent        byte = 0x01
	flagUserVerified       byte = 0x04
	flagAttestedCredential byte = 0x40
)

var errTruncatedAuthData = errors.New("webauthn: truncated authenticator data")

// AuthenticatorData is the parsed binary authenticator-data structure:
// rpIdHash(32) || flags(1) || counter(4) || [attested credential data].
type AuthenticatorData struct {
	RPIDHash []byte
	Flags    byte
	Counter  uint32

	// Set only when the attested-credential flag is present.
	AAGUID              []byte
	CredentialID        []byte
	CredentialPublicKey []byte // raw COSE key bytes
}

func (a *AuthenticatorData) UserPresent() bool  { return a.Flags&flagUserPresent != 0 }
func (a *AuthenticatorData) UserVerified() bool { return a.Flags&flagUserVerified != 0 }

// ParseAuthenticatorData decodes the fixed header and, when the attested
// credential flag is set, the credential id and COSE public key.
func ParseAuthenticatorData(raw []byte) (*AuthenticatorData, error) {
	if len(raw) < 37 {
		return nil, errTruncatedAuthData
	}
	out := &AuthenticatorData{
		RPIDHash: raw[:32],
		Flags:    raw[32],
		Counter:  binary.BigEndian.Uint32(raw[33:37]),
	}
	if out.Flags&flagAttestedCredential == 0 {
		return out, nil
	}

	rest := raw[37:]
	if len(rest) < 18 {
		return nil, errTruncatedAuthData
	}
	out.AAGUID = rest[:16]
	idLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < idLen {
		return nil, errTruncatedAuthData
	}
	out.CredentialID = rest[:idLen]
	rest = rest[idLen:]

	// The COSE key is the next single CBOR item; extension data may follow.
	dec := cbor.NewDecoder(bytes.NewReader(rest))
	var key cbor.RawMessage
	if err := dec.Decode(&key); err != nil {
		return nil, fmt.Errorf("webauthn: decode credential public key: %w", err)
	}
	out.CredentialPublicKey = rest[:dec.NumBytesRead()]
	return out, nil
}
