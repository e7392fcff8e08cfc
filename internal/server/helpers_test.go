package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/accesskeys"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/auth"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/claims"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/kdf"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/proofs"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/signer"
)

const (
	testOperator = "operator-1"
	testCreator  = "creator-1"
	testSignerID = "bitdrop.testnet"
	testPath     = "campaign-path"
	testPrevTxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
)

var testRootSecret = bytes.Repeat([]byte{0x0b}, 32)

type failingSigner struct{}

func (failingSigner) Sign(context.Context, signer.SignRequest) (<-chan signer.Result, error) {
	results := make(chan signer.Result, 1)
	results <- signer.Result{Err: signer.ErrSignerRejected}
	return results, nil
}

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
	subjects []string
}

func (s *stubLimiter) Consume(_ context.Context, _ string, subject string) (ratelimit.Decision, error) {
	s.subjects = append(s.subjects, subject)
	return s.decision, s.err
}

type testEnv struct {
	server        *httptest.Server
	store         *drops.Store
	registry      *drops.Registry
	tokens        *auth.TokenIssuer
	proofs        *proofs.Verifier
	realtime      *RealtimeDispatcher
	campaign      drops.Campaign
	deriver       kdf.Deriver
	receiver      string
	proofKey      ed25519.PrivateKey
	operatorToken string
	creatorToken  string
}

type envOptions struct {
	signer  signer.Signer
	limiter RateLimiter
}

func newTestEnv(t *testing.T, options envOptions) testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(append(drops.Models(), &claims.AttemptRecord{})...); err != nil {
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

	transport := options.signer
	if transport == nil {
		local, err := signer.NewLocalSigner(testRootSecret, testSignerID)
		if err != nil {
			t.Fatalf("failed to build local signer: %v", err)
		}
		transport = local
	}
	attempts, err := claims.NewAttemptStore(db, nil)
	if err != nil {
		t.Fatalf("failed to build attempt store: %v", err)
	}
	coordinator, err := claims.NewCoordinator(claims.CoordinatorConfig{
		Signer:     transport,
		IDProvider: claims.NewUUIDProvider(),
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

	realtime := NewRealtimeDispatcher()
	service, err := claims.NewService(claims.ServiceConfig{
		Store:       store,
		Registry:    registry,
		Proofs:      verifier,
		Coordinator: coordinator,
		Events:      realtime,
	})
	if err != nil {
		t.Fatalf("failed to build claim service: %v", err)
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "bitdrop-auth",
		Audience:      "bitdrop-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	_, root := btcec.PrivKeyFromBytes(testRootSecret)
	deriver := kdf.Deriver{Root: root, SignerID: testSignerID, Params: &chaincfg.TestNet3Params}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:      tokens,
		Store:             store,
		Registry:          registry,
		Claims:            service,
		Proofs:            verifier,
		Limiter:           options.limiter,
		Addresses:         deriver,
		Attempts:          attempts,
		Realtime:          realtime,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	funding, err := deriver.Funding(testPath)
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

	receiverKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x0d}, 32))
	receiver, err := btc.AddressFromPublicKey(receiverKey.PubKey().SerializeCompressed(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("failed to derive receiver: %v", err)
	}

	operatorToken, _, err := tokens.IssueOperatorToken(context.Background(), testOperator)
	if err != nil {
		t.Fatalf("failed to issue operator token: %v", err)
	}
	creatorToken, _, err := tokens.IssueOperatorToken(context.Background(), testCreator)
	if err != nil {
		t.Fatalf("failed to issue creator token: %v", err)
	}

	return testEnv{
		server:        server,
		store:         store,
		registry:      registry,
		tokens:        tokens,
		proofs:        verifier,
		realtime:      realtime,
		campaign:      campaign,
		deriver:       deriver,
		receiver:      receiver,
		proofKey:      proofKey,
		operatorToken: operatorToken,
		creatorToken:  creatorToken,
	}
}

// addBoundDrop stores a drop and binds a credential derived from seed.
func (e testEnv) addBoundDrop(t *testing.T, hash string, seed byte) ed25519.PrivateKey {
	t.Helper()
	if _, err := e.store.AddDrop(context.Background(), testOperator, e.campaign.ID, drops.DropInput{Hash: hash, Amount: 100_000}); err != nil {
		t.Fatalf("failed to add drop: %v", err)
	}
	privateKey := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	credential := drops.CredentialFromPublicKey(privateKey.Public().(ed25519.PublicKey)).String()
	if _, err := e.registry.Bind(context.Background(), testOperator, credential, hash); err != nil {
		t.Fatalf("failed to bind credential: %v", err)
	}
	return privateKey
}

func (e testEnv) claimBody(privateKey ed25519.PrivateKey, txid, change string) claimRequestPayload {
	fields := auth.ClaimRequestFields{TxID: txid, Vout: 0, Receiver: e.receiver, Change: change}
	return claimRequestPayload{
		PublicKey: drops.CredentialFromPublicKey(privateKey.Public().(ed25519.PublicKey)).String(),
		Signature: auth.SignClaim(privateKey, fields),
		TxID:      txid,
		Vout:      0,
		Receiver:  e.receiver,
		Change:    change,
	}
}

// do sends a JSON request and decodes a JSON response into out when out is non-nil.
func (e testEnv) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if out != nil {
		raw, err := io.ReadAll(response.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				t.Fatalf("failed to decode body %q: %v", raw, err)
			}
		}
	}
	return response.StatusCode
}
