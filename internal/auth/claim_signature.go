package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
)

var (
	// ErrMissingClaimSignature indicates a claim request without a signature.
	ErrMissingClaimSignature = errors.New("claim signature: signature required")
	// ErrInvalidClaimSignature indicates a signature that does not verify under the credential key.
	ErrInvalidClaimSignature = errors.New("claim signature: invalid signature")
)

// ClaimRequestFields are the request values covered by the credential signature.
type ClaimRequestFields struct {
	TxID     string
	Vout     uint32
	Receiver string
	Change   string
}

// ClaimMessage returns "claim:<txid>:<vout>:<receiver>:<change>" with the txid lowercased.
func ClaimMessage(fields ClaimRequestFields) string {
	return fmt.Sprintf("claim:%s:%d:%s:%s",
		strings.ToLower(strings.TrimSpace(fields.TxID)),
		fields.Vout,
		strings.TrimSpace(fields.Receiver),
		strings.TrimSpace(fields.Change),
	)
}

// VerifyClaimSignature checks that signature is the base58 ed25519 signature of the
// claim message by the credential's key. It proves the caller holds the credential.
func VerifyClaimSignature(credential drops.Credential, signature string, fields ClaimRequestFields) error {
	trimmed := strings.TrimSpace(signature)
	if trimmed == "" {
		return ErrMissingClaimSignature
	}
	raw := base58.Decode(trimmed)
	if len(raw) != ed25519.SignatureSize {
		return ErrInvalidClaimSignature
	}
	publicKey := credential.PublicKey()
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidClaimSignature
	}
	if !ed25519.Verify(publicKey, []byte(ClaimMessage(fields)), raw) {
		return ErrInvalidClaimSignature
	}
	return nil
}

// SignClaim produces the signature VerifyClaimSignature expects.
func SignClaim(privateKey ed25519.PrivateKey, fields ClaimRequestFields) string {
	return base58.Encode(ed25519.Sign(privateKey, []byte(ClaimMessage(fields))))
}
