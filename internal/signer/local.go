package signer

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/kdf"
)

const compactHeaderCompressed = 27 + 4

var errMissingSignerID = errors.New("signer: signer id is required")

// LocalSigner derives child keys from a root secret held in process. It is meant for
// development and tests.
type LocalSigner struct {
	rootSecret []byte
	signerID   string
}

// NewLocalSigner constructs a LocalSigner for the given root secret and signer id.
func NewLocalSigner(rootSecret []byte, signerID string) (*LocalSigner, error) {
	if signerID == "" {
		return nil, errMissingSignerID
	}
	if _, err := kdf.DeriveChildPrivateKey(rootSecret, signerID, ""); err != nil {
		return nil, err
	}
	return &LocalSigner{rootSecret: append([]byte(nil), rootSecret...), signerID: signerID}, nil
}

// Sign signs the payload with the child key for request.Path.
func (s *LocalSigner) Sign(_ context.Context, request SignRequest) (<-chan Result, error) {
	childKey, err := kdf.DeriveChildPrivateKey(s.rootSecret, s.signerID, request.Path)
	if err != nil {
		return resolved(Result{Err: rejected(err.Error())}), nil
	}

	compact, err := ecdsa.SignCompact(childKey, request.Payload[:], true)
	if err != nil {
		return resolved(Result{Err: rejected(err.Error())}), nil
	}

	recoveryID := (compact[0] - compactHeaderCompressed) & 0x03
	bigR := make([]byte, 0, 33)
	bigR = append(bigR, 0x02|(recoveryID&0x01))
	bigR = append(bigR, compact[1:33]...)

	return resolved(Result{Response: SignatureResponse{
		BigR:       AffinePoint{AffinePoint: hex.EncodeToString(bigR)},
		S:          Scalar{Scalar: hex.EncodeToString(compact[33:65])},
		RecoveryID: recoveryID,
	}}), nil
}
