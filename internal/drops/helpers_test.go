package drops

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/accesskeys"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
)

const (
	testOperator = "operator-1"
	testCreator  = "creator-1"
)

type fixture struct {
	store      *Store
	registry   *Registry
	accessKeys *accesskeys.Store
	db         *gorm.DB
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "drops.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	keys, err := accesskeys.Open(filepath.Join(dir, "access.db"))
	if err != nil {
		t.Fatalf("failed to open access keys: %v", err)
	}
	t.Cleanup(func() { _ = keys.Close() })

	clock := time.Unix(1_700_000_000, 0)
	store, err := NewStore(StoreConfig{
		Database:   db,
		AccessKeys: keys,
		OperatorID: testOperator,
		Clock:      func() time.Time { clock = clock.Add(time.Second); return clock },
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	registry, err := NewRegistry(RegistryConfig{Store: store, AccessKeys: keys})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return fixture{store: store, registry: registry, accessKeys: keys, db: db}
}

func fundingInput(t *testing.T, seed byte) CampaignInput {
	t.Helper()
	_, publicKey := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	serialized := publicKey.SerializeCompressed()
	address, err := btc.AddressFromPublicKey(serialized, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("failed to derive address: %v", err)
	}
	return CampaignInput{
		Path:             "campaign-path",
		FundingAddress:   address,
		FundingPublicKey: hex.EncodeToString(serialized),
		SearchTerms:      []string{"bitcoin"},
		Metadata:         "@funder",
	}
}

func mustCampaign(t *testing.T, f fixture) Campaign {
	t.Helper()
	campaign, err := f.store.CreateCampaign(context.Background(), testCreator, fundingInput(t, 0x21))
	if err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return campaign
}

func mustDrop(t *testing.T, f fixture, campaignID uint64, hash string) Drop {
	t.Helper()
	drop, err := f.store.AddDrop(context.Background(), testOperator, campaignID, DropInput{Hash: hash, Amount: 10_000})
	if err != nil {
		t.Fatalf("failed to add drop: %v", err)
	}
	return drop
}

func newCredential(t *testing.T, seed byte) string {
	t.Helper()
	publicKey := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize)).Public().(ed25519.PublicKey)
	return CredentialFromPublicKey(publicKey).String()
}

func assertKeysAgree(t *testing.T, f fixture, dropHash string) {
	t.Helper()
	drop, err := f.store.GetDrop(context.Background(), dropHash)
	if err != nil {
		t.Fatalf("failed to load drop: %v", err)
	}
	var rows []ClaimKey
	if err := f.db.Where("drop_hash = ?", dropHash).Find(&rows).Error; err != nil {
		t.Fatalf("failed to load claim keys: %v", err)
	}
	keys := drop.Keys()
	if len(keys) != len(rows) {
		t.Fatalf("drop keys %v disagree with registry rows %v", keys, rows)
	}
	for _, row := range rows {
		found := false
		for _, key := range keys {
			if key == row.Credential {
				found = true
			}
		}
		if !found {
			t.Fatalf("registry row %s missing from drop keys %v", row.Credential, keys)
		}
	}
}
