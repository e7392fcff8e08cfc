package claims

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// State is the lifecycle position of a signing attempt.
type State string

const (
	StateRequested State = "requested"
	StateFinalized State = "finalized"
	StateFailed    State = "failed"
)

// AttemptRecord is the audit row of one signing round-trip.
type AttemptRecord struct {
	AttemptID          string `gorm:"column:attempt_id;primaryKey;size:190;not null"`
	DropHash           string `gorm:"column:drop_hash;size:190;not null;index:idx_attempts_drop"`
	CampaignID         uint64 `gorm:"column:campaign_id;not null;default:0"`
	Claimant           string `gorm:"column:claimant;size:190;not null;default:''"`
	ReceiverAddress    string `gorm:"column:receiver_address;size:190;not null;default:''"`
	DigestHex          string `gorm:"column:digest_hex;size:64;not null"`
	State              State  `gorm:"column:state;size:32;not null;index:idx_attempts_state"`
	SignedTxHex        string `gorm:"column:signed_tx_hex;type:text;not null;default:''"`
	Failure            string `gorm:"column:failure;type:text;not null;default:''"`
	RequestedAtSeconds int64  `gorm:"column:requested_at_s;not null"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AttemptRecord) TableName() string {
	return "claim_attempts"
}

// Recorder persists attempt audit rows.
type Recorder interface {
	Record(ctx context.Context, record AttemptRecord) error
}

var errMissingDatabase = errors.New("database handle is required")

// AttemptStore writes attempt audit rows through GORM.
type AttemptStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAttemptStore constructs an AttemptStore.
func NewAttemptStore(db *gorm.DB, logger *zap.Logger) (*AttemptStore, error) {
	if db == nil {
		return nil, newServiceError(opAttemptStoreNew, "missing_database", errMissingDatabase)
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &AttemptStore{db: db, logger: logger}, nil
}

// Record inserts or replaces the row for record.AttemptID.
func (s *AttemptStore) Record(ctx context.Context, record AttemptRecord) error {
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		logError(s.logger, opRecordAttempt, "save_failed", err, zap.String("attempt_id", record.AttemptID))
		return newServiceError(opRecordAttempt, "save_failed", err)
	}
	return nil
}

// Get returns the row for attemptID.
func (s *AttemptStore) Get(ctx context.Context, attemptID string) (AttemptRecord, bool, error) {
	var record AttemptRecord
	err := s.db.WithContext(ctx).Where("attempt_id = ?", attemptID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AttemptRecord{}, false, nil
	}
	if err != nil {
		return AttemptRecord{}, false, newServiceError(opRecordAttempt, "select_failed", err)
	}
	return record, true, nil
}

// ForDrop returns the attempts made against a drop, oldest first.
func (s *AttemptStore) ForDrop(ctx context.Context, dropHash string) ([]AttemptRecord, error) {
	var records []AttemptRecord
	if err := s.db.WithContext(ctx).
		Where("drop_hash = ?", dropHash).
		Order("requested_at_s ASC, attempt_id ASC").
		Find(&records).Error; err != nil {
		return nil, newServiceError(opRecordAttempt, "select_failed", err)
	}
	return records, nil
}
