package btc

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

const maxRecoveryID = 3

// ErrMalformedSignature indicates a signer response that cannot be decoded into an ECDSA signature.
var ErrMalformedSignature = fmt.Errorf("%w: malformed signature", ErrMalformedInput)

// DecodeSignature converts a threshold signer response into an ECDSA signature.
// affinePoint is the hex SEC1 encoding of R; r is its x coordinate reduced mod n.
// scalar is the 32-byte hex encoding of s.
func DecodeSignature(affinePoint, scalar string, recoveryID uint8) (*ecdsa.Signature, error) {
	if recoveryID > maxRecoveryID {
		return nil, fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, recoveryID)
	}

	pointBytes, err := hex.DecodeString(strings.TrimSpace(affinePoint))
	if err != nil {
		return nil, fmt.Errorf("%w: big_r: %v", ErrMalformedSignature, err)
	}
	point, err := btcec.ParsePubKey(pointBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: big_r: %v", ErrMalformedSignature, err)
	}
	var r btcec.ModNScalar
	r.SetByteSlice(point.SerializeCompressed()[1:])
	if r.IsZero() {
		return nil, fmt.Errorf("%w: r is zero", ErrMalformedSignature)
	}

	scalarBytes, err := hex.DecodeString(strings.TrimSpace(scalar))
	if err != nil {
		return nil, fmt.Errorf("%w: s: %v", ErrMalformedSignature, err)
	}
	if len(scalarBytes) != 32 {
		return nil, fmt.Errorf("%w: s must be 32 bytes, got %d", ErrMalformedSignature, len(scalarBytes))
	}
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(scalarBytes); overflow {
		return nil, fmt.Errorf("%w: s exceeds group order", ErrMalformedSignature)
	}
	if s.IsZero() {
		return nil, fmt.Errorf("%w: s is zero", ErrMalformedSignature)
	}

	return ecdsa.NewSignature(&r, &s), nil
}

// ParsePublicKeyHex parses a hex SEC1 public key and returns its original serialization.
func ParsePublicKeyHex(value string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return raw, nil
}
