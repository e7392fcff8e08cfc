package drops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
)

// AccessKeyStore holds the standing authorization of claim credentials.
type AccessKeyStore interface {
	Grant(credential, method string, allowance uint64) error
	Revoke(credential string) (bool, error)
	Authorized(credential, method string) (bool, error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Database   *gorm.DB
	AccessKeys AccessKeyStore
	OperatorID string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store owns campaign and drop rows.
type Store struct {
	db         *gorm.DB
	accessKeys AccessKeyStore
	operatorID string
	clock      func() time.Time
	logger     *zap.Logger
}

// CampaignInput describes a new campaign.
type CampaignInput struct {
	Path             string
	FundingAddress   string
	FundingPublicKey string
	SearchTerms      []string
	Metadata         string
}

// CampaignUpdate carries the mutable campaign fields; nil fields are left unchanged.
type CampaignUpdate struct {
	SearchTerms *[]string
	Metadata    *string
}

// DropInput describes a new drop.
type DropInput struct {
	Hash          string
	Amount        uint64
	AuxPayloadHex string
	TargetHandle  string
	TargetRef     string
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		accessKeys: cfg.AccessKeys,
		operatorID: strings.TrimSpace(cfg.OperatorID),
		clock:      clock,
		logger:     logger,
	}, nil
}

// IsOperator reports whether caller is the configured operator.
func (s *Store) IsOperator(caller string) bool {
	return s.operatorID != "" && caller == s.operatorID
}

func (s *Store) now() int64 {
	return s.clock().UTC().Unix()
}

// CreateCampaign stores a campaign owned by caller. The funding public key must hash to
// the funding address.
func (s *Store) CreateCampaign(ctx context.Context, caller string, input CampaignInput) (Campaign, error) {
	if strings.TrimSpace(caller) == "" {
		return Campaign{}, ErrUnauthorized
	}
	path := strings.TrimSpace(input.Path)
	if path == "" || len(path) > maxIdentifierLength {
		return Campaign{}, fmt.Errorf("%w: path", ErrInvalidDrop)
	}
	publicKey, err := btc.ParsePublicKeyHex(input.FundingPublicKey)
	if err != nil {
		return Campaign{}, err
	}
	matches, err := btc.PublicKeyMatchesAddress(publicKey, input.FundingAddress)
	if err != nil {
		return Campaign{}, fmt.Errorf("%w: %w", btc.ErrInvalidAddress, err)
	}
	if !matches {
		return Campaign{}, fmt.Errorf("%w: funding public key does not match funding address", ErrInvalidDrop)
	}

	campaign := Campaign{
		Creator:          caller,
		Path:             path,
		FundingAddress:   strings.TrimSpace(input.FundingAddress),
		FundingPublicKey: strings.ToLower(strings.TrimSpace(input.FundingPublicKey)),
		CreatedAtSeconds: s.now(),
		SearchTermsJSON:  encodeStringList(input.SearchTerms),
		Metadata:         input.Metadata,
	}
	if err := s.db.WithContext(ctx).Create(&campaign).Error; err != nil {
		logError(s.logger, opCreateCampaign, "insert_failed", err, zap.String("creator", caller))
		return Campaign{}, newServiceError(opCreateCampaign, "insert_failed", err)
	}
	return campaign, nil
}

// GetCampaign returns the campaign with id.
func (s *Store) GetCampaign(ctx context.Context, id uint64) (Campaign, error) {
	var campaign Campaign
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Campaign{}, ErrUnknownCampaign
	}
	if err != nil {
		logError(s.logger, opGetCampaign, "query_failed", err, zap.Uint64("campaign_id", id))
		return Campaign{}, newServiceError(opGetCampaign, "query_failed", err)
	}
	return campaign, nil
}

// ListCampaigns returns every campaign in creation order.
func (s *Store) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	var campaigns []Campaign
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&campaigns).Error; err != nil {
		logError(s.logger, opListCampaigns, "query_failed", err)
		return nil, newServiceError(opListCampaigns, "query_failed", err)
	}
	return campaigns, nil
}

// UpdateCampaign changes search terms and metadata. Only the creator may do so.
func (s *Store) UpdateCampaign(ctx context.Context, caller string, id uint64, update CampaignUpdate) (Campaign, error) {
	var updated Campaign
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		campaign, err := s.lockCampaign(tx, id)
		if err != nil {
			return err
		}
		if caller == "" || caller != campaign.Creator {
			return ErrUnauthorized
		}
		if update.SearchTerms != nil {
			campaign.SearchTermsJSON = encodeStringList(*update.SearchTerms)
		}
		if update.Metadata != nil {
			campaign.Metadata = *update.Metadata
		}
		if err := tx.Save(&campaign).Error; err != nil {
			logError(s.logger, opUpdateCampaign, "save_failed", err, zap.Uint64("campaign_id", id))
			return newServiceError(opUpdateCampaign, "save_failed", err)
		}
		updated = campaign
		return nil
	})
	if err != nil {
		return Campaign{}, err
	}
	return updated, nil
}

// DeleteCampaign removes a campaign, its drops and their bound credentials. The operator
// and the creator may delete. It returns the credentials that were released.
func (s *Store) DeleteCampaign(ctx context.Context, caller string, id uint64) ([]string, error) {
	var released []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		campaign, err := s.lockCampaign(tx, id)
		if err != nil {
			return err
		}
		if caller == "" || (caller != campaign.Creator && !s.IsOperator(caller)) {
			return ErrUnauthorized
		}

		var hashes []string
		if err := tx.Model(&Drop{}).Where("campaign_id = ?", id).Pluck("hash", &hashes).Error; err != nil {
			logError(s.logger, opDeleteCampaign, "drop_select_failed", err, zap.Uint64("campaign_id", id))
			return newServiceError(opDeleteCampaign, "drop_select_failed", err)
		}
		if len(hashes) > 0 {
			if err := tx.Model(&ClaimKey{}).Where("drop_hash IN ?", hashes).Pluck("credential", &released).Error; err != nil {
				logError(s.logger, opDeleteCampaign, "key_select_failed", err, zap.Uint64("campaign_id", id))
				return newServiceError(opDeleteCampaign, "key_select_failed", err)
			}
			if err := tx.Where("drop_hash IN ?", hashes).Delete(&ClaimKey{}).Error; err != nil {
				logError(s.logger, opDeleteCampaign, "key_delete_failed", err, zap.Uint64("campaign_id", id))
				return newServiceError(opDeleteCampaign, "key_delete_failed", err)
			}
			if err := tx.Where("campaign_id = ?", id).Delete(&Drop{}).Error; err != nil {
				logError(s.logger, opDeleteCampaign, "drop_delete_failed", err, zap.Uint64("campaign_id", id))
				return newServiceError(opDeleteCampaign, "drop_delete_failed", err)
			}
		}
		if err := tx.Delete(&campaign).Error; err != nil {
			logError(s.logger, opDeleteCampaign, "campaign_delete_failed", err, zap.Uint64("campaign_id", id))
			return newServiceError(opDeleteCampaign, "campaign_delete_failed", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, credential := range released {
		s.revokeAccessKey(opDeleteCampaign, credential)
	}
	return released, nil
}

// AddDrop stores a drop funded by campaignID. Only the operator may add drops.
func (s *Store) AddDrop(ctx context.Context, caller string, campaignID uint64, input DropInput) (Drop, error) {
	if !s.IsOperator(caller) {
		return Drop{}, ErrUnauthorized
	}
	hash := strings.TrimSpace(input.Hash)
	if hash == "" || len(hash) > maxIdentifierLength {
		return Drop{}, fmt.Errorf("%w: hash", ErrInvalidDrop)
	}
	if err := btc.ValidateAmount(input.Amount); err != nil {
		return Drop{}, err
	}
	payload := strings.ToLower(strings.TrimSpace(input.AuxPayloadHex))
	if _, err := btc.DecodeAuxPayload(payload); err != nil {
		return Drop{}, err
	}

	var created Drop
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var campaign Campaign
		err := tx.Where("id = ?", campaignID).Take(&campaign).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownCampaign
		}
		if err != nil {
			logError(s.logger, opAddDrop, "campaign_select_failed", err, zap.Uint64("campaign_id", campaignID))
			return newServiceError(opAddDrop, "campaign_select_failed", err)
		}

		var existing int64
		if err := tx.Model(&Drop{}).Where("hash = ?", hash).Count(&existing).Error; err != nil {
			logError(s.logger, opAddDrop, "drop_select_failed", err, zap.String("drop_hash", hash))
			return newServiceError(opAddDrop, "drop_select_failed", err)
		}
		if existing > 0 {
			return ErrDuplicateDrop
		}

		created = Drop{
			Hash:             hash,
			CampaignID:       campaign.ID,
			Amount:           input.Amount,
			FunderAddress:    campaign.FundingAddress,
			FunderPublicKey:  campaign.FundingPublicKey,
			Path:             campaign.Path,
			KeysJSON:         encodeStringList(nil),
			AuxPayloadHex:    payload,
			TargetHandle:     strings.TrimSpace(input.TargetHandle),
			TargetRef:        strings.TrimSpace(input.TargetRef),
			CreatedAtSeconds: s.now(),
		}
		if err := tx.Create(&created).Error; err != nil {
			logError(s.logger, opAddDrop, "insert_failed", err, zap.String("drop_hash", hash))
			return newServiceError(opAddDrop, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return Drop{}, err
	}
	return created, nil
}

// GetDrop returns the drop with hash.
func (s *Store) GetDrop(ctx context.Context, hash string) (Drop, error) {
	var drop Drop
	err := s.db.WithContext(ctx).Where("hash = ?", hash).Take(&drop).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Drop{}, ErrUnknownDrop
	}
	if err != nil {
		logError(s.logger, opGetDrop, "query_failed", err, zap.String("drop_hash", hash))
		return Drop{}, newServiceError(opGetDrop, "query_failed", err)
	}
	return drop, nil
}

// CampaignDrops returns the drops of a campaign.
func (s *Store) CampaignDrops(ctx context.Context, campaignID uint64) ([]Drop, error) {
	if _, err := s.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	var drops []Drop
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("created_at_s ASC, hash ASC").
		Find(&drops).Error; err != nil {
		logError(s.logger, opListDrops, "query_failed", err, zap.Uint64("campaign_id", campaignID))
		return nil, newServiceError(opListDrops, "query_failed", err)
	}
	return drops, nil
}

// ListDrops returns every drop.
func (s *Store) ListDrops(ctx context.Context) ([]Drop, error) {
	var drops []Drop
	if err := s.db.WithContext(ctx).Order("created_at_s ASC, hash ASC").Find(&drops).Error; err != nil {
		logError(s.logger, opListDrops, "query_failed", err)
		return nil, newServiceError(opListDrops, "query_failed", err)
	}
	return drops, nil
}

// RecentClaims returns up to limit claimed drops, newest first.
func (s *Store) RecentClaims(ctx context.Context, limit int) ([]Drop, error) {
	if limit <= 0 {
		limit = 20
	}
	var drops []Drop
	if err := s.db.WithContext(ctx).
		Where("claimed = ?", true).
		Order("claimed_at_s DESC, hash ASC").
		Limit(limit).
		Find(&drops).Error; err != nil {
		logError(s.logger, opListDrops, "recent_query_failed", err)
		return nil, newServiceError(opListDrops, "recent_query_failed", err)
	}
	return drops, nil
}

// MarkClaimed flips the drop to claimed exactly once.
func (s *Store) MarkClaimed(ctx context.Context, hash, claimant string) (Drop, error) {
	var claimed Drop
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Drop{}).
			Where("hash = ? AND claimed = ?", hash, false).
			Updates(map[string]any{
				"claimed":      true,
				"claimed_by":   claimant,
				"claimed_at_s": s.now(),
			})
		if result.Error != nil {
			logError(s.logger, opMarkClaimed, "update_failed", result.Error, zap.String("drop_hash", hash))
			return newServiceError(opMarkClaimed, "update_failed", result.Error)
		}

		err := tx.Where("hash = ?", hash).Take(&claimed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownDrop
		}
		if err != nil {
			logError(s.logger, opMarkClaimed, "select_failed", err, zap.String("drop_hash", hash))
			return newServiceError(opMarkClaimed, "select_failed", err)
		}
		if result.RowsAffected == 0 {
			return ErrAlreadyClaimed
		}
		return nil
	})
	if err != nil {
		return Drop{}, err
	}
	return claimed, nil
}

func (s *Store) lockCampaign(tx *gorm.DB, id uint64) (Campaign, error) {
	var campaign Campaign
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Campaign{}, ErrUnknownCampaign
	}
	if err != nil {
		return Campaign{}, newServiceError(opGetCampaign, "query_failed", err)
	}
	return campaign, nil
}

func (s *Store) revokeAccessKey(operation, credential string) {
	if s.accessKeys == nil {
		return
	}
	if _, err := s.accessKeys.Revoke(credential); err != nil {
		logError(s.logger, operation, "access_key_revoke_failed", err, zap.String("credential", credential))
	}
}
