// Package kdf derives per-path child keys the way the threshold signer does:
// child = root + epsilon(signer, path) * G.
package kdf

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/sha3"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
)

const (
	epsilonDerivationPrefix = "near-mpc-recovery v0.1.0 epsilon derivation:"
	rootKeyCurvePrefix      = "secp256k1:"
	rootKeyCoordinatesSize  = 64
)

var (
	// ErrInvalidRootKey indicates a root public key or secret that cannot be parsed.
	ErrInvalidRootKey = errors.New("kdf: invalid root key")
	// ErrDegenerateKey indicates a derivation that landed on the point at infinity or a zero scalar.
	ErrDegenerateKey = errors.New("kdf: degenerate derived key")
)

// Epsilon returns the additive tweak for signerID and path reduced modulo the curve order.
func Epsilon(signerID, path string) btcec.ModNScalar {
	digest := sha3.Sum256([]byte(epsilonDerivationPrefix + signerID + "," + path))
	var epsilon btcec.ModNScalar
	epsilon.SetByteSlice(digest[:])
	return epsilon
}

// DeriveChildPublicKey returns root + epsilon*G.
func DeriveChildPublicKey(root *btcec.PublicKey, signerID, path string) (*btcec.PublicKey, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: missing public key", ErrInvalidRootKey)
	}
	epsilon := Epsilon(signerID, path)

	var rootPoint, tweakPoint, child btcec.JacobianPoint
	root.AsJacobian(&rootPoint)
	btcec.ScalarBaseMultNonConst(&epsilon, &tweakPoint)
	btcec.AddNonConst(&rootPoint, &tweakPoint, &child)
	if child.Z.IsZero() || (child.X.IsZero() && child.Y.IsZero()) {
		return nil, ErrDegenerateKey
	}
	child.ToAffine()
	return btcec.NewPublicKey(&child.X, &child.Y), nil
}

// DeriveChildPrivateKey returns (k + epsilon) mod n for a 32-byte root secret k.
func DeriveChildPrivateKey(rootSecret []byte, signerID, path string) (*btcec.PrivateKey, error) {
	if len(rootSecret) != 32 {
		return nil, fmt.Errorf("%w: secret must be 32 bytes, got %d", ErrInvalidRootKey, len(rootSecret))
	}
	var secret btcec.ModNScalar
	if overflow := secret.SetByteSlice(rootSecret); overflow || secret.IsZero() {
		return nil, fmt.Errorf("%w: secret out of range", ErrInvalidRootKey)
	}
	epsilon := Epsilon(signerID, path)
	secret.Add(&epsilon)
	if secret.IsZero() {
		return nil, ErrDegenerateKey
	}
	childBytes := secret.Bytes()
	privateKey, _ := btcec.PrivKeyFromBytes(childBytes[:])
	return privateKey, nil
}

// ParseRootSecretHex decodes a hex root secret.
func ParseRootSecretHex(value string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRootKey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: secret must be 32 bytes, got %d", ErrInvalidRootKey, len(raw))
	}
	return raw, nil
}

// ParseRootPublicKey accepts "secp256k1:<base58 x||y>" or a hex SEC1 encoding.
func ParseRootPublicKey(value string) (*btcec.PublicKey, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidRootKey)
	}

	var raw []byte
	if encoded, ok := strings.CutPrefix(trimmed, rootKeyCurvePrefix); ok {
		coordinates := base58.Decode(encoded)
		if len(coordinates) != rootKeyCoordinatesSize {
			return nil, fmt.Errorf("%w: expected %d coordinate bytes, got %d", ErrInvalidRootKey, rootKeyCoordinatesSize, len(coordinates))
		}
		raw = append([]byte{0x04}, coordinates...)
	} else {
		decoded, err := hex.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRootKey, err)
		}
		raw = decoded
	}

	publicKey, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRootKey, err)
	}
	return publicKey, nil
}

// FormatRootPublicKey renders a public key as "secp256k1:<base58 x||y>".
func FormatRootPublicKey(publicKey *btcec.PublicKey) string {
	return rootKeyCurvePrefix + base58.Encode(publicKey.SerializeUncompressed()[1:])
}

// Funding describes the deposit target for a derivation path.
type Funding struct {
	Address      string
	PublicKeyHex string
}

// FundingAddress derives the child key for path and returns its P2PKH address and
// compressed public key.
func FundingAddress(root *btcec.PublicKey, signerID, path string, params *chaincfg.Params) (Funding, error) {
	child, err := DeriveChildPublicKey(root, signerID, path)
	if err != nil {
		return Funding{}, err
	}
	compressed := child.SerializeCompressed()
	address, err := btc.AddressFromPublicKey(compressed, params)
	if err != nil {
		return Funding{}, err
	}
	return Funding{
		Address:      address,
		PublicKeyHex: hex.EncodeToString(compressed),
	}, nil
}

// Deriver binds a root key, signer id and network for repeated funding lookups.
type Deriver struct {
	Root     *btcec.PublicKey
	SignerID string
	Params   *chaincfg.Params
}

// Funding returns the funding address for path.
func (d Deriver) Funding(path string) (Funding, error) {
	if d.Root == nil {
		return Funding{}, ErrInvalidRootKey
	}
	return FundingAddress(d.Root, d.SignerID, path, d.Params)
}
