package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/claims"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
)

// AttemptReader reads the signing attempt audit.
type AttemptReader interface {
	Get(ctx context.Context, attemptID string) (claims.AttemptRecord, bool, error)
	ForDrop(ctx context.Context, dropHash string) ([]claims.AttemptRecord, error)
}

type attemptPayload struct {
	AttemptID          string `json:"attempt_id"`
	DropHash           string `json:"drop_hash"`
	CampaignID         uint64 `json:"campaign_id"`
	Claimant           string `json:"claimant"`
	ReceiverAddress    string `json:"receiver"`
	DigestHex          string `json:"digest"`
	State              string `json:"state"`
	SignedTxHex        string `json:"signed_tx_hex,omitempty"`
	Failure            string `json:"failure,omitempty"`
	RequestedAtSeconds int64  `json:"requested_at_s"`
	UpdatedAtSeconds   int64  `json:"updated_at_s"`
}

func newAttemptPayload(record claims.AttemptRecord) attemptPayload {
	return attemptPayload{
		AttemptID:          record.AttemptID,
		DropHash:           record.DropHash,
		CampaignID:         record.CampaignID,
		Claimant:           record.Claimant,
		ReceiverAddress:    record.ReceiverAddress,
		DigestHex:          record.DigestHex,
		State:              string(record.State),
		SignedTxHex:        record.SignedTxHex,
		Failure:            record.Failure,
		RequestedAtSeconds: record.RequestedAtSeconds,
		UpdatedAtSeconds:   record.UpdatedAtSeconds,
	}
}

// handleGetAttempt lets a claimant whose request ended in claim_pending poll for the outcome.
func (h *httpHandler) handleGetAttempt(c *gin.Context) {
	if h.attempts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attempts_disabled"})
		return
	}
	attemptID := strings.TrimSpace(c.Param("attempt_id"))
	record, found, err := h.attempts.Get(c.Request.Context(), attemptID)
	if err != nil {
		h.writeError(c, "get_attempt", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_attempt"})
		return
	}
	c.JSON(http.StatusOK, newAttemptPayload(record))
}

func (h *httpHandler) handleDropAttempts(c *gin.Context) {
	if h.attempts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attempts_disabled"})
		return
	}
	if !h.store.IsOperator(c.GetString(callerIDContextKey)) {
		h.writeError(c, "drop_attempts", drops.ErrUnauthorized)
		return
	}
	dropHash := c.Param("hash")
	if _, err := h.store.GetDrop(c.Request.Context(), dropHash); err != nil {
		h.writeError(c, "drop_attempts", err)
		return
	}
	records, err := h.attempts.ForDrop(c.Request.Context(), dropHash)
	if err != nil {
		h.writeError(c, "drop_attempts", err)
		return
	}
	payloads := make([]attemptPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, newAttemptPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"attempts": payloads})
}
