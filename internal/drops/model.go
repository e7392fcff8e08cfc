package drops

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
)

const (
	maxIdentifierLength = 190
	credentialPrefix    = "ed25519:"
)

// Campaign is a funded deposit address that drops are paid out of.
type Campaign struct {
	ID               uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Creator          string `gorm:"column:creator;size:190;not null;index"`
	Path             string `gorm:"column:path;size:190;not null"`
	FundingAddress   string `gorm:"column:funding_address;size:190;not null"`
	FundingPublicKey string `gorm:"column:funding_public_key;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	SearchTermsJSON  string `gorm:"column:search_terms;type:text;not null;default:'[]'"`
	Metadata         string `gorm:"column:metadata;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Campaign) TableName() string {
	return "campaigns"
}

// SearchTerms decodes the stored search terms.
func (c Campaign) SearchTerms() []string {
	return decodeStringList(c.SearchTermsJSON)
}

// Drop is a single claimable payment out of a campaign.
type Drop struct {
	Hash             string `gorm:"column:hash;primaryKey;size:190;not null"`
	CampaignID       uint64 `gorm:"column:campaign_id;not null;index:idx_drops_campaign"`
	Amount           uint64 `gorm:"column:amount;not null"`
	FunderAddress    string `gorm:"column:funder_address;size:190;not null"`
	FunderPublicKey  string `gorm:"column:funder_public_key;size:190;not null"`
	Path             string `gorm:"column:path;size:190;not null"`
	KeysJSON         string `gorm:"column:keys;type:text;not null;default:'[]'"`
	AuxPayloadHex    string `gorm:"column:aux_payload_hex;size:160;not null;default:''"`
	TargetHandle     string `gorm:"column:target_handle;size:190;not null;default:''"`
	TargetRef        string `gorm:"column:target_ref;size:190;not null;default:''"`
	Claimed          bool   `gorm:"column:claimed;not null;default:false;index:idx_drops_claimed,priority:1"`
	ClaimedBy        string `gorm:"column:claimed_by;size:190;not null;default:''"`
	ClaimedAtSeconds int64  `gorm:"column:claimed_at_s;not null;default:0;index:idx_drops_claimed,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Drop) TableName() string {
	return "drops"
}

// Keys decodes the credentials currently bound to the drop.
func (d Drop) Keys() []string {
	return decodeStringList(d.KeysJSON)
}

// ClaimKey binds one credential to one drop.
type ClaimKey struct {
	Credential       string `gorm:"column:credential;primaryKey;size:190;not null"`
	DropHash         string `gorm:"column:drop_hash;size:190;not null;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClaimKey) TableName() string {
	return "claim_keys"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Campaign{}, &Drop{}, &ClaimKey{}}
}

// Credential is a validated "ed25519:<base58 public key>" claim credential.
type Credential string

// ParseCredential validates raw credential text.
func ParseCredential(raw string) (Credential, error) {
	trimmed := strings.TrimSpace(raw)
	encoded, ok := strings.CutPrefix(trimmed, credentialPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing %q prefix", ErrInvalidCredential, credentialPrefix)
	}
	if len(base58.Decode(encoded)) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: expected %d byte key", ErrInvalidCredential, ed25519.PublicKeySize)
	}
	return Credential(trimmed), nil
}

// CredentialFromPublicKey renders an ed25519 public key as a credential.
func CredentialFromPublicKey(publicKey ed25519.PublicKey) Credential {
	return Credential(credentialPrefix + base58.Encode(publicKey))
}

// PublicKey returns the ed25519 key carried by the credential.
func (c Credential) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(base58.Decode(strings.TrimPrefix(string(c), credentialPrefix)))
}

// String returns the credential text.
func (c Credential) String() string {
	return string(c)
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil || values == nil {
		return []string{}
	}
	return values
}

func encodeStringList(values []string) string {
	if values == nil {
		values = []string{}
	}
	encoded, _ := json.Marshal(values)
	return string(encoded)
}

func withoutValue(values []string, value string) []string {
	return slices.DeleteFunc(slices.Clone(values), func(candidate string) bool {
		return candidate == value
	})
}
