package drops

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
)

var (
	// ErrUnauthorized indicates that the caller may not perform the operation.
	ErrUnauthorized = errors.New("drops: unauthorized")
	// ErrUnknownCredential indicates a credential that is not bound to any drop.
	ErrUnknownCredential = errors.New("drops: unknown credential")
	// ErrUnknownDrop indicates a drop hash with no stored drop.
	ErrUnknownDrop = errors.New("drops: unknown drop")
	// ErrUnknownCampaign indicates a campaign id with no stored campaign.
	ErrUnknownCampaign = errors.New("drops: unknown campaign")
	// ErrAlreadyClaimed indicates a drop that has already been claimed.
	ErrAlreadyClaimed = errors.New("drops: already claimed")
	// ErrDuplicateDrop indicates a drop hash that is already stored.
	ErrDuplicateDrop = errors.New("drops: duplicate drop")
	// ErrInvalidCredential indicates credential text that does not parse.
	ErrInvalidCredential = fmt.Errorf("%w: invalid credential", btc.ErrMalformedInput)
	// ErrInvalidDrop indicates drop or campaign fields that fail validation.
	ErrInvalidDrop = fmt.Errorf("%w: invalid drop", btc.ErrMalformedInput)

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a "<operation>.<reason>" code for storage failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew          = "drops.store.new"
	opRegistryNew       = "drops.registry.new"
	opCreateCampaign    = "drops.create_campaign"
	opGetCampaign       = "drops.get_campaign"
	opListCampaigns     = "drops.list_campaigns"
	opUpdateCampaign    = "drops.update_campaign"
	opDeleteCampaign    = "drops.delete_campaign"
	opAddDrop           = "drops.add_drop"
	opGetDrop           = "drops.get_drop"
	opListDrops         = "drops.list_drops"
	opMarkClaimed       = "drops.mark_claimed"
	opBind              = "drops.bind"
	opLookup            = "drops.lookup"
	opResolveAndConsume = "drops.resolve_and_consume"
	opRevoke            = "drops.revoke"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("drops service error", attrs...)
}
