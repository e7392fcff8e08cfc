package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/proofs"
)

var (
	errMissingStore       = errors.New("drop store is required")
	errMissingRegistry    = errors.New("claim key registry is required")
	errMissingCoordinator = errors.New("signature coordinator is required")
)

// DropStore is the part of the drop store the claim flow reads and updates.
type DropStore interface {
	GetDrop(ctx context.Context, hash string) (drops.Drop, error)
	MarkClaimed(ctx context.Context, hash, claimant string) (drops.Drop, error)
}

// KeyRegistry resolves and consumes claim credentials.
type KeyRegistry interface {
	Authorized(credential string) (bool, error)
	Lookup(ctx context.Context, credential string) (string, error)
	ResolveAndConsume(ctx context.Context, credential string) (string, error)
}

// ProofVerifier checks identity proofs.
type ProofVerifier interface {
	Verify(proof string) (proofs.Claim, bool)
}

// Event describes a finalized claim.
type Event struct {
	CampaignID       uint64
	DropHash         string
	Claimant         string
	ReceiverAddress  string
	Amount           uint64
	SignedTxHex      string
	ClaimedAtSeconds int64
}

// EventPublisher receives finalized claims.
type EventPublisher interface {
	Publish(event Event)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Store       DropStore
	Registry    KeyRegistry
	Proofs      ProofVerifier
	Coordinator *Coordinator
	Events      EventPublisher
	Logger      *zap.Logger
}

// ClaimRequest carries the claimant's inputs.
type ClaimRequest struct {
	Credential      string
	PrevTxID        string
	PrevVout        uint32
	ReceiverAddress string
	Change          uint64
	Proof           string
}

// Service is the claim entry point.
type Service struct {
	store       DropStore
	registry    KeyRegistry
	proofs      ProofVerifier
	coordinator *Coordinator
	events      EventPublisher
	logger      *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}
	if cfg.Coordinator == nil {
		return nil, newServiceError(opServiceNew, "missing_coordinator", errMissingCoordinator)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:       cfg.Store,
		registry:    cfg.Registry,
		proofs:      cfg.Proofs,
		coordinator: cfg.Coordinator,
		events:      cfg.Events,
		logger:      logger,
	}, nil
}

// Claim redeems the drop bound to the credential and returns the hex signed
// withdrawal transaction. The credential is consumed before the signer is called and
// stays consumed if signing fails.
func (s *Service) Claim(ctx context.Context, request ClaimRequest) (string, error) {
	attempt, err := s.Begin(ctx, request)
	if err != nil {
		return "", err
	}
	return attempt.Wait(ctx)
}

// Begin runs the synchronous part of a claim and returns the dispatched attempt.
func (s *Service) Begin(ctx context.Context, request ClaimRequest) (*Attempt, error) {
	credential, err := drops.ParseCredential(request.Credential)
	if err != nil {
		return nil, err
	}
	if _, err := btc.ParseTxID(request.PrevTxID); err != nil {
		return nil, err
	}
	if _, err := btc.DecodeAddress(request.ReceiverAddress); err != nil {
		return nil, fmt.Errorf("%w: receiver: %w", btc.ErrInvalidAddress, err)
	}
	if err := btc.ValidateAmount(request.Change); err != nil {
		return nil, fmt.Errorf("change: %w", err)
	}

	key := credential.String()
	authorized, err := s.registry.Authorized(key)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, drops.ErrUnknownCredential
	}
	dropHash, err := s.registry.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	drop, err := s.store.GetDrop(ctx, dropHash)
	if err != nil {
		if errors.Is(err, drops.ErrUnknownDrop) {
			return nil, drops.ErrUnknownCredential
		}
		return nil, err
	}
	if drop.Claimed {
		return nil, drops.ErrAlreadyClaimed
	}

	claimant, err := s.claimant(drop, key, request.Proof)
	if err != nil {
		return nil, err
	}

	funderPublicKey, err := btc.ParsePublicKeyHex(drop.FunderPublicKey)
	if err != nil {
		logError(s.logger, opClaim, "funder_key_invalid", err, zap.String("drop_hash", drop.Hash))
		return nil, newServiceError(opClaim, "funder_key_invalid", err)
	}
	tx, err := btc.BuildUnsigned(btc.SpendParams{
		PrevTxID:        request.PrevTxID,
		PrevVout:        request.PrevVout,
		FunderAddress:   drop.FunderAddress,
		ReceiverAddress: request.ReceiverAddress,
		Amount:          drop.Amount,
		Change:          request.Change,
		AuxPayloadHex:   drop.AuxPayloadHex,
	})
	if err != nil {
		return nil, err
	}

	consumed, err := s.registry.ResolveAndConsume(ctx, key)
	if err != nil {
		return nil, err
	}
	if consumed != drop.Hash {
		logError(s.logger, opClaim, "drop_changed", nil, zap.String("drop_hash", drop.Hash), zap.String("consumed_hash", consumed))
		return nil, drops.ErrUnknownCredential
	}

	return s.coordinator.Dispatch(ctx, DispatchRequest{
		Transaction:     tx,
		FunderPublicKey: funderPublicKey,
		Path:            drop.Path,
		DropHash:        drop.Hash,
		CampaignID:      drop.CampaignID,
		Claimant:        claimant,
		ReceiverAddress: request.ReceiverAddress,
		OnFinalized:     s.finalizeHook(drop, claimant, request.ReceiverAddress),
	})
}

func (s *Service) claimant(drop drops.Drop, credential, proof string) (string, error) {
	trimmed := strings.TrimSpace(proof)
	if trimmed == "" {
		if drop.TargetHandle != "" {
			return "", fmt.Errorf("%w: identity proof required", drops.ErrUnauthorized)
		}
		return credential, nil
	}
	if s.proofs == nil {
		return "", fmt.Errorf("%w: identity proofs are not configured", drops.ErrUnauthorized)
	}
	claim, ok := s.proofs.Verify(trimmed)
	if !ok {
		return "", fmt.Errorf("%w: invalid identity proof", drops.ErrUnauthorized)
	}
	if drop.TargetHandle != "" && !proofs.SameHandle(drop.TargetHandle, claim.Handle) {
		return "", fmt.Errorf("%w: proof handle does not match drop", drops.ErrUnauthorized)
	}
	return claim.Handle, nil
}

func (s *Service) finalizeHook(drop drops.Drop, claimant, receiver string) func(context.Context, string) error {
	return func(ctx context.Context, signedTxHex string) error {
		claimed, err := s.store.MarkClaimed(ctx, drop.Hash, claimant)
		if err != nil {
			return err
		}
		if s.events != nil {
			s.events.Publish(Event{
				CampaignID:       drop.CampaignID,
				DropHash:         drop.Hash,
				Claimant:         claimant,
				ReceiverAddress:  receiver,
				Amount:           drop.Amount,
				SignedTxHex:      signedTxHex,
				ClaimedAtSeconds: claimed.ClaimedAtSeconds,
			})
		}
		return nil
	}
}
