// Package signer talks to the threshold signing service. Every transport returns a
// channel that delivers exactly one Result.
package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
)

var (
	// ErrSignerUnavailable indicates a transport failure before or while waiting for a reply.
	ErrSignerUnavailable = errors.New("signer: unavailable")
	// ErrSignerRejected indicates that the signing service answered with an error.
	ErrSignerRejected = errors.New("signer: request rejected")
	// ErrSignerTimeout indicates that no reply arrived within the configured timeout.
	ErrSignerTimeout = errors.New("signer: timed out")
)

// SignRequest is the message sent to the signing service.
type SignRequest struct {
	Payload    [32]byte `json:"payload"`
	Path       string   `json:"path"`
	KeyVersion uint32   `json:"key_version"`
}

// AffinePoint carries the hex SEC1 encoding of the nonce point R.
type AffinePoint struct {
	AffinePoint string `json:"affine_point"`
}

// Scalar carries the hex encoding of s.
type Scalar struct {
	Scalar string `json:"scalar"`
}

// SignatureResponse is the reply of the signing service.
type SignatureResponse struct {
	BigR       AffinePoint `json:"big_r"`
	S          Scalar      `json:"s"`
	RecoveryID uint8       `json:"recovery_id"`
}

// Signature decodes the response into an ECDSA signature.
func (r SignatureResponse) Signature() (*ecdsa.Signature, error) {
	return btc.DecodeSignature(r.BigR.AffinePoint, r.S.Scalar, r.RecoveryID)
}

// Result is the single value delivered on a signing channel.
type Result struct {
	Response SignatureResponse
	Err      error
}

// Signer issues asynchronous signing requests.
type Signer interface {
	Sign(ctx context.Context, request SignRequest) (<-chan Result, error)
}

func resolved(result Result) <-chan Result {
	ch := make(chan Result, 1)
	ch <- result
	return ch
}

func rejected(message string) error {
	if message == "" {
		return ErrSignerRejected
	}
	return fmt.Errorf("%w: %s", ErrSignerRejected, message)
}
