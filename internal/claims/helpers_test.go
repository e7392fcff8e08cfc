package claims

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/accesskeys"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/kdf"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/proofs"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/signer"
)

const (
	testOperator     = "operator-1"
	testCreator      = "creator-1"
	testSignerID     = "bitdrop.testnet"
	testPath         = "campaign-path"
	testPrevTxID     = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	testDropAmount   = 100_000
	testChangeAmount = 50_000
)

var testRootSecret = bytes.Repeat([]byte{0x0b}, 32)

type manualSigner struct {
	mu       sync.Mutex
	requests []signer.SignRequest
	channels []chan signer.Result
	err      error
}

func (s *manualSigner) Sign(_ context.Context, request signer.SignRequest) (<-chan signer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	results := make(chan signer.Result, 1)
	s.requests = append(s.requests, request)
	s.channels = append(s.channels, results)
	return results, nil
}

func (s *manualSigner) waitForRequest(t *testing.T, index int) signer.SignRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.requests) > index {
			request := s.requests[index]
			s.mu.Unlock()
			return request
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("signer request %d never arrived", index)
	return signer.SignRequest{}
}

func (s *manualSigner) reply(index int, result signer.Result) {
	s.mu.Lock()
	results := s.channels[index]
	s.mu.Unlock()
	results <- result
}

// replyWithLocal signs the pending request with the local signer and delivers it.
func (s *manualSigner) replyWithLocal(t *testing.T, index int) {
	t.Helper()
	request := s.waitForRequest(t, index)
	local, err := signer.NewLocalSigner(testRootSecret, testSignerID)
	if err != nil {
		t.Fatalf("failed to build local signer: %v", err)
	}
	results, _ := local.Sign(context.Background(), request)
	s.reply(index, <-results)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("attempt-%d", s.next), nil
}

type claimEnv struct {
	db          *gorm.DB
	store       *drops.Store
	registry    *drops.Registry
	accessKeys  *accesskeys.Store
	attempts    *AttemptStore
	coordinator *Coordinator
	service     *Service
	events      *recordingEvents
	campaign    drops.Campaign
	proofKey    ed25519.PrivateKey
	receiver    string
}

func newClaimEnv(t *testing.T, transport signer.Signer) claimEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "claims.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	models := append(drops.Models(), &AttemptRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	keys, err := accesskeys.Open(filepath.Join(dir, "access.db"))
	if err != nil {
		t.Fatalf("failed to open access keys: %v", err)
	}
	t.Cleanup(func() { _ = keys.Close() })

	store, err := drops.NewStore(drops.StoreConfig{Database: db, AccessKeys: keys, OperatorID: testOperator})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	registry, err := drops.NewRegistry(drops.RegistryConfig{Store: store, AccessKeys: keys})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	attempts, err := NewAttemptStore(db, nil)
	if err != nil {
		t.Fatalf("failed to build attempt store: %v", err)
	}
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Signer:     transport,
		IDProvider: NewUUIDProvider(),
		Recorder:   attempts,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	proofKey := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x0c}, ed25519.SeedSize))
	verifier, err := proofs.NewVerifier(proofs.Config{
		AuthPublicKeyHex: hex.EncodeToString(proofKey.Public().(ed25519.PublicKey)),
	})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}

	events := &recordingEvents{}
	service, err := NewService(ServiceConfig{
		Store:       store,
		Registry:    registry,
		Proofs:      verifier,
		Coordinator: coordinator,
		Events:      events,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	_, root := btcec.PrivKeyFromBytes(testRootSecret)
	funding, err := kdf.FundingAddress(root, testSignerID, testPath, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("failed to derive funding address: %v", err)
	}
	campaign, err := store.CreateCampaign(context.Background(), testCreator, drops.CampaignInput{
		Path:             testPath,
		FundingAddress:   funding.Address,
		FundingPublicKey: funding.PublicKeyHex,
	})
	if err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}

	return claimEnv{
		db:          db,
		store:       store,
		registry:    registry,
		accessKeys:  keys,
		attempts:    attempts,
		coordinator: coordinator,
		service:     service,
		events:      events,
		campaign:    campaign,
		proofKey:    proofKey,
		receiver:    testReceiver(t),
	}
}

// addBoundDrop stores a drop and binds a fresh credential to it.
func (e claimEnv) addBoundDrop(t *testing.T, hash string, seed byte, input drops.DropInput) string {
	t.Helper()
	input.Hash = hash
	if input.Amount == 0 {
		input.Amount = testDropAmount
	}
	if _, err := e.store.AddDrop(context.Background(), testOperator, e.campaign.ID, input); err != nil {
		t.Fatalf("failed to add drop: %v", err)
	}
	return e.bind(t, hash, seed)
}

func (e claimEnv) bind(t *testing.T, hash string, seed byte) string {
	t.Helper()
	privateKey := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	credential := drops.CredentialFromPublicKey(privateKey.Public().(ed25519.PublicKey)).String()
	if _, err := e.registry.Bind(context.Background(), testOperator, credential, hash); err != nil {
		t.Fatalf("failed to bind credential: %v", err)
	}
	return credential
}

func (e claimEnv) request(credential string) ClaimRequest {
	return ClaimRequest{
		Credential:      credential,
		PrevTxID:        testPrevTxID,
		PrevVout:        0,
		ReceiverAddress: e.receiver,
		Change:          testChangeAmount,
	}
}

func waitContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testReceiver(t *testing.T) string {
	t.Helper()
	receiverKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x0d}, 32))
	address, err := btc.AddressFromPublicKey(receiverKey.PubKey().SerializeCompressed(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("failed to derive receiver: %v", err)
	}
	return address
}
