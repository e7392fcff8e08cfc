// Package proofs verifies identity proofs issued by the social auth service.
//
// A proof is the base58 encoding of the JSON object {handle, timestamp, signature},
// where signature is the hex ed25519 signature of "<handle>:<timestamp>" made by the
// auth service key.
package proofs

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"go.uber.org/zap"
)

const authPublicKeyHexLength = ed25519.PublicKeySize * 2

// ErrInvalidAuthKey indicates an auth public key that is not 64 hex characters.
var ErrInvalidAuthKey = errors.New("proofs: auth public key must be 64 hex characters")

// Claim is the identity asserted by a verified proof.
type Claim struct {
	Handle    string
	Timestamp int64
}

type proofPayload struct {
	Handle    string `json:"handle"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Config configures a Verifier.
type Config struct {
	AuthPublicKeyHex string
	// MaxAge rejects proofs older than this; zero disables the check.
	MaxAge time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// Verifier checks proofs against a rotatable auth public key.
type Verifier struct {
	mu        sync.RWMutex
	publicKey ed25519.PublicKey
	maxAge    time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewVerifier constructs a Verifier. An empty auth key leaves every proof unverifiable
// until SetAuthPublicKey is called.
func NewVerifier(cfg Config) (*Verifier, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	verifier := &Verifier{maxAge: cfg.MaxAge, clock: clock, logger: logger}
	if strings.TrimSpace(cfg.AuthPublicKeyHex) != "" {
		if err := verifier.SetAuthPublicKey(cfg.AuthPublicKeyHex); err != nil {
			return nil, err
		}
	}
	return verifier, nil
}

// SetAuthPublicKey replaces the auth public key.
func (v *Verifier) SetAuthPublicKey(keyHex string) error {
	trimmed := strings.TrimSpace(keyHex)
	if len(trimmed) != authPublicKeyHexLength {
		return ErrInvalidAuthKey
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthKey, err)
	}
	v.mu.Lock()
	v.publicKey = ed25519.PublicKey(raw)
	v.mu.Unlock()
	v.logger.Info("proof auth key updated", zap.String("auth_public_key", strings.ToLower(trimmed)))
	return nil
}

// AuthPublicKey returns the current auth public key in hex.
func (v *Verifier) AuthPublicKey() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return hex.EncodeToString(v.publicKey)
}

// Verify decodes and checks a proof. It returns false for any malformed, expired or
// incorrectly signed proof.
func (v *Verifier) Verify(proof string) (Claim, bool) {
	v.mu.RLock()
	publicKey := v.publicKey
	v.mu.RUnlock()
	if len(publicKey) != ed25519.PublicKeySize {
		return Claim{}, false
	}

	decoded := base58.Decode(strings.TrimSpace(proof))
	if len(decoded) == 0 {
		return Claim{}, false
	}
	var payload proofPayload
	if err := json.Unmarshal(decoded, &payload); err != nil || payload.Handle == "" {
		return Claim{}, false
	}
	signature, err := hex.DecodeString(payload.Signature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return Claim{}, false
	}
	if !ed25519.Verify(publicKey, []byte(Message(payload.Handle, payload.Timestamp)), signature) {
		return Claim{}, false
	}
	if v.maxAge > 0 {
		issued := time.Unix(payload.Timestamp, 0)
		if v.clock().Sub(issued) > v.maxAge {
			v.logger.Debug("proof expired", zap.String("handle", payload.Handle), zap.Int64("timestamp", payload.Timestamp))
			return Claim{}, false
		}
	}
	return Claim{Handle: payload.Handle, Timestamp: payload.Timestamp}, true
}

// Message returns the text the auth service signs.
func Message(handle string, timestamp int64) string {
	return fmt.Sprintf("%s:%d", handle, timestamp)
}

// Encode builds a proof for handle and timestamp signed with privateKey.
func Encode(privateKey ed25519.PrivateKey, handle string, timestamp int64) (string, error) {
	signature := ed25519.Sign(privateKey, []byte(Message(handle, timestamp)))
	raw, err := json.Marshal(proofPayload{
		Handle:    handle,
		Timestamp: timestamp,
		Signature: hex.EncodeToString(signature),
	})
	if err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}

// SameHandle compares two social handles ignoring case and a leading "@".
func SameHandle(left, right string) bool {
	normalize := func(value string) string {
		return strings.TrimPrefix(strings.TrimSpace(value), "@")
	}
	return strings.EqualFold(normalize(left), normalize(right))
}
