package server

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/btcsuite/btcd/wire"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/claims"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/ratelimit"
)

func TestClaimReturnsSignedTransaction(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	privateKey := env.addBoundDrop(t, "drop-1", 0x41)

	var response claimResponsePayload
	status := env.do(t, http.MethodPost, "/claims", "", env.claimBody(privateKey, testPrevTxID, "50000"), &response)
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if response.AttemptID == "" {
		t.Fatalf("expected attempt id")
	}
	raw, err := hex.DecodeString(response.SignedTxHex)
	if err != nil {
		t.Fatalf("invalid transaction hex: %v", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("failed to decode transaction: %v", err)
	}
	if len(tx.TxIn) != 1 || len(tx.TxOut) != 2 {
		t.Fatalf("unexpected transaction shape %d/%d", len(tx.TxIn), len(tx.TxOut))
	}

	var body map[string]any
	status = env.do(t, http.MethodPost, "/claims", "", env.claimBody(privateKey, testPrevTxID, "50000"), &body)
	if status != http.StatusNotFound || body["error"] != "unknown_credential" {
		t.Fatalf("expected reused credential to be unknown, got %d %v", status, body)
	}

	var drop dropPayload
	if status := env.do(t, http.MethodGet, "/drops/drop-1", "", nil, &drop); status != http.StatusOK {
		t.Fatalf("unexpected drop status %d", status)
	}
	if !drop.Claimed {
		t.Fatalf("expected drop to be claimed")
	}
}

func TestClaimRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	privateKey := env.addBoundDrop(t, "drop-1", 0x42)

	request := env.claimBody(privateKey, testPrevTxID, "50000")
	request.Change = "50001"

	var body map[string]any
	if status := env.do(t, http.MethodPost, "/claims", "", request, &body); status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", status)
	}
	if body["error"] != "invalid_signature" {
		t.Fatalf("unexpected body %v", body)
	}
	if keys, err := env.registry.Keys(t.Context(), "drop-1"); err != nil || len(keys) != 1 {
		t.Fatalf("rejected request must not consume the credential, keys=%v err=%v", keys, err)
	}
}

func TestClaimRejectsMalformedInput(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	privateKey := env.addBoundDrop(t, "drop-1", 0x43)

	cases := map[string]claimRequestPayload{
		"short txid":     env.claimBody(privateKey, "abcd", "50000"),
		"change too big": env.claimBody(privateKey, testPrevTxID, fmt.Sprint(btc.MaxSatoshis+1)),
		"change not int": env.claimBody(privateKey, testPrevTxID, "12.5"),
	}
	for name, request := range cases {
		t.Run(name, func(t *testing.T) {
			var body map[string]any
			if status := env.do(t, http.MethodPost, "/claims", "", request, &body); status != http.StatusBadRequest {
				t.Fatalf("expected bad request, got %d %v", status, body)
			}
			if body["error"] != "malformed_input" {
				t.Fatalf("unexpected body %v", body)
			}
		})
	}
}

func TestClaimRateLimited(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: false, Count: 11, RetryAfterSeconds: 42}}
	env := newTestEnv(t, envOptions{limiter: limiter})
	privateKey := env.addBoundDrop(t, "drop-1", 0x44)

	request, err := http.NewRequest(http.MethodPost, env.server.URL+"/claims", bytes.NewReader(mustJSON(t, env.claimBody(privateKey, testPrevTxID, "50000"))))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", response.StatusCode)
	}
	if response.Header.Get("Retry-After") != "42" {
		t.Fatalf("unexpected Retry-After %q", response.Header.Get("Retry-After"))
	}
	if len(limiter.subjects) != 1 || limiter.subjects[0] == "" {
		t.Fatalf("expected limiter keyed by client ip, got %v", limiter.subjects)
	}
}

func TestClaimLimiterFailureFailsOpen(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("redis down")}
	env := newTestEnv(t, envOptions{limiter: limiter})
	privateKey := env.addBoundDrop(t, "drop-1", 0x45)

	if status := env.do(t, http.MethodPost, "/claims", "", env.claimBody(privateKey, testPrevTxID, "50000"), nil); status != http.StatusOK {
		t.Fatalf("expected claim to proceed, got %d", status)
	}
}

func TestClaimSigningFailureMapsToBadGateway(t *testing.T) {
	env := newTestEnv(t, envOptions{signer: failingSigner{}})
	privateKey := env.addBoundDrop(t, "drop-1", 0x46)

	var body map[string]any
	if status := env.do(t, http.MethodPost, "/claims", "", env.claimBody(privateKey, testPrevTxID, "50000"), &body); status != http.StatusBadGateway {
		t.Fatalf("expected bad gateway, got %d", status)
	}
	if body["error"] != "signing_failed" {
		t.Fatalf("unexpected body %v", body)
	}

	var drop dropPayload
	env.do(t, http.MethodGet, "/drops/drop-1", "", nil, &drop)
	if drop.Claimed {
		t.Fatalf("failed signing must not claim the drop")
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: boom", claims.ErrRemoteSigning), http.StatusBadGateway, "signing_failed"},
		{btc.ErrInvalidTxID, http.StatusBadRequest, "malformed_input"},
		{drops.ErrInvalidCredential, http.StatusBadRequest, "malformed_input"},
		{drops.ErrUnauthorized, http.StatusForbidden, "forbidden"},
		{drops.ErrUnknownCredential, http.StatusNotFound, "unknown_credential"},
		{drops.ErrUnknownDrop, http.StatusNotFound, "unknown_drop"},
		{drops.ErrUnknownCampaign, http.StatusNotFound, "unknown_campaign"},
		{drops.ErrAlreadyClaimed, http.StatusConflict, "already_claimed"},
		{drops.ErrDuplicateDrop, http.StatusConflict, "duplicate_drop"},
		{errors.New("disk full"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := classifyError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v: expected %d/%s, got %d/%s", tc.err, tc.status, tc.code, status, code)
		}
	}
}
