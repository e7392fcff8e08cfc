package drops

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const accessKeyMethodClaim = "claim"

var (
	errMissingStore      = errors.New("drop store is required")
	errMissingAccessKeys = errors.New("access key store is required")
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Store      *Store
	AccessKeys AccessKeyStore
	// Allowance is recorded on every access key granted by Bind.
	Allowance uint64
	Logger    *zap.Logger
}

// Registry maps claim credentials to drops. Registry rows and each drop's keys list
// are always changed in the same transaction.
type Registry struct {
	store      *Store
	db         *gorm.DB
	accessKeys AccessKeyStore
	allowance  uint64
	logger     *zap.Logger
}

// NewRegistry validates the configuration and constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opRegistryNew, "missing_store", errMissingStore)
	}
	if cfg.AccessKeys == nil {
		return nil, newServiceError(opRegistryNew, "missing_access_keys", errMissingAccessKeys)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		store:      cfg.Store,
		db:         cfg.Store.db,
		accessKeys: cfg.AccessKeys,
		allowance:  cfg.Allowance,
		logger:     logger,
	}, nil
}

// Bind attaches credential to dropHash and grants it standing claim authorization.
// Binding a credential that is already bound is a no-op that reports false.
func (r *Registry) Bind(ctx context.Context, caller, credential, dropHash string) (bool, error) {
	if !r.store.IsOperator(caller) {
		return false, ErrUnauthorized
	}
	parsed, err := ParseCredential(credential)
	if err != nil {
		return false, err
	}
	key := parsed.String()

	inserted := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		drop, err := lockDrop(tx, dropHash)
		if err != nil {
			if !errors.Is(err, ErrUnknownDrop) {
				logError(r.logger, opBind, "drop_select_failed", err, zap.String("drop_hash", dropHash))
			}
			return err
		}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ClaimKey{
			Credential:       key,
			DropHash:         drop.Hash,
			CreatedAtSeconds: r.store.now(),
		})
		if result.Error != nil {
			logError(r.logger, opBind, "key_insert_failed", result.Error, zap.String("drop_hash", dropHash))
			return newServiceError(opBind, "key_insert_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		keys := append(drop.Keys(), key)
		if err := tx.Model(&Drop{}).Where("hash = ?", drop.Hash).Update("keys", encodeStringList(keys)).Error; err != nil {
			logError(r.logger, opBind, "drop_update_failed", err, zap.String("drop_hash", dropHash))
			return newServiceError(opBind, "drop_update_failed", err)
		}

		// A failed grant rolls the binding back so a retry can bind again.
		if err := r.accessKeys.Grant(key, accessKeyMethodClaim, r.allowance); err != nil {
			logError(r.logger, opBind, "access_key_grant_failed", err, zap.String("credential", key))
			return newServiceError(opBind, "access_key_grant_failed", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		if inserted {
			r.revokeAccessKey(opBind, key)
		}
		return false, err
	}
	return inserted, nil
}

// Lookup returns the drop a credential is bound to without consuming it.
func (r *Registry) Lookup(ctx context.Context, credential string) (string, error) {
	var key ClaimKey
	err := r.db.WithContext(ctx).Where("credential = ?", credential).Take(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownCredential
	}
	if err != nil {
		logError(r.logger, opLookup, "query_failed", err)
		return "", newServiceError(opLookup, "query_failed", err)
	}
	return key.DropHash, nil
}

// Authorized reports whether the credential still holds a claim access key.
func (r *Registry) Authorized(credential string) (bool, error) {
	authorized, err := r.accessKeys.Authorized(credential, accessKeyMethodClaim)
	if err != nil {
		logError(r.logger, opLookup, "access_key_lookup_failed", err)
		return false, newServiceError(opLookup, "access_key_lookup_failed", err)
	}
	return authorized, nil
}

// Keys returns the credentials bound to a drop.
func (r *Registry) Keys(ctx context.Context, dropHash string) ([]string, error) {
	drop, err := r.store.GetDrop(ctx, dropHash)
	if err != nil {
		return nil, err
	}
	return drop.Keys(), nil
}

// ResolveAndConsume removes the credential and returns the drop it was bound to.
// At most one caller succeeds for a given credential.
func (r *Registry) ResolveAndConsume(ctx context.Context, credential string) (string, error) {
	dropHash, err := r.remove(ctx, opResolveAndConsume, credential)
	if err != nil {
		return "", err
	}
	r.revokeAccessKey(opResolveAndConsume, credential)
	return dropHash, nil
}

// Revoke removes a credential without a claim. Only the operator may revoke.
func (r *Registry) Revoke(ctx context.Context, caller, credential string) error {
	if !r.store.IsOperator(caller) {
		return ErrUnauthorized
	}
	if _, err := r.remove(ctx, opRevoke, credential); err != nil {
		return err
	}
	r.revokeAccessKey(opRevoke, credential)
	return nil
}

func (r *Registry) remove(ctx context.Context, operation, credential string) (string, error) {
	var dropHash string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var key ClaimKey
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("credential = ?", credential).Take(&key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownCredential
		}
		if err != nil {
			logError(r.logger, operation, "key_select_failed", err)
			return newServiceError(operation, "key_select_failed", err)
		}

		result := tx.Where("credential = ?", credential).Delete(&ClaimKey{})
		if result.Error != nil {
			logError(r.logger, operation, "key_delete_failed", result.Error)
			return newServiceError(operation, "key_delete_failed", result.Error)
		}
		if result.RowsAffected != 1 {
			return ErrUnknownCredential
		}

		drop, err := lockDrop(tx, key.DropHash)
		if err != nil {
			if errors.Is(err, ErrUnknownDrop) {
				dropHash = key.DropHash
				return nil
			}
			logError(r.logger, operation, "drop_select_failed", err, zap.String("drop_hash", key.DropHash))
			return err
		}
		remaining := withoutValue(drop.Keys(), credential)
		if err := tx.Model(&Drop{}).Where("hash = ?", drop.Hash).Update("keys", encodeStringList(remaining)).Error; err != nil {
			logError(r.logger, operation, "drop_update_failed", err, zap.String("drop_hash", drop.Hash))
			return newServiceError(operation, "drop_update_failed", err)
		}
		dropHash = drop.Hash
		return nil
	})
	if err != nil {
		return "", err
	}
	return dropHash, nil
}

func (r *Registry) revokeAccessKey(operation, credential string) {
	if _, err := r.accessKeys.Revoke(credential); err != nil {
		logError(r.logger, operation, "access_key_revoke_failed", err, zap.String("credential", credential))
	}
}

func lockDrop(tx *gorm.DB, hash string) (Drop, error) {
	var drop Drop
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("hash = ?", hash).Take(&drop).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Drop{}, ErrUnknownDrop
	}
	if err != nil {
		return Drop{}, newServiceError(opGetDrop, "query_failed", err)
	}
	return drop, nil
}
