package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
)

type campaignPayload struct {
	ID               uint64   `json:"id"`
	Creator          string   `json:"creator"`
	Path             string   `json:"path"`
	FundingAddress   string   `json:"funding_address"`
	FundingPublicKey string   `json:"funding_public_key"`
	SearchTerms      []string `json:"search_terms"`
	Metadata         string   `json:"metadata"`
	CreatedAtSeconds int64    `json:"created_at_s"`
}

func newCampaignPayload(campaign drops.Campaign) campaignPayload {
	return campaignPayload{
		ID:               campaign.ID,
		Creator:          campaign.Creator,
		Path:             campaign.Path,
		FundingAddress:   campaign.FundingAddress,
		FundingPublicKey: campaign.FundingPublicKey,
		SearchTerms:      campaign.SearchTerms(),
		Metadata:         campaign.Metadata,
		CreatedAtSeconds: campaign.CreatedAtSeconds,
	}
}

type dropPayload struct {
	Hash             string   `json:"hash"`
	CampaignID       uint64   `json:"campaign_id"`
	Amount           uint64   `json:"amount"`
	FunderAddress    string   `json:"funder_address"`
	Path             string   `json:"path"`
	Keys             []string `json:"keys"`
	AuxPayloadHex    string   `json:"aux_payload_hex,omitempty"`
	TargetHandle     string   `json:"target_handle,omitempty"`
	TargetRef        string   `json:"target_ref,omitempty"`
	Claimed          bool     `json:"claimed"`
	ClaimedBy        string   `json:"claimed_by,omitempty"`
	ClaimedAtSeconds int64    `json:"claimed_at_s,omitempty"`
	CreatedAtSeconds int64    `json:"created_at_s"`
}

func newDropPayload(drop drops.Drop) dropPayload {
	return dropPayload{
		Hash:             drop.Hash,
		CampaignID:       drop.CampaignID,
		Amount:           drop.Amount,
		FunderAddress:    drop.FunderAddress,
		Path:             drop.Path,
		Keys:             drop.Keys(),
		AuxPayloadHex:    drop.AuxPayloadHex,
		TargetHandle:     drop.TargetHandle,
		TargetRef:        drop.TargetRef,
		Claimed:          drop.Claimed,
		ClaimedBy:        drop.ClaimedBy,
		ClaimedAtSeconds: drop.ClaimedAtSeconds,
		CreatedAtSeconds: drop.CreatedAtSeconds,
	}
}

func newDropPayloads(list []drops.Drop) []dropPayload {
	payloads := make([]dropPayload, 0, len(list))
	for _, drop := range list {
		payloads = append(payloads, newDropPayload(drop))
	}
	return payloads
}

func (h *httpHandler) handleListCampaigns(c *gin.Context) {
	campaigns, err := h.store.ListCampaigns(c.Request.Context())
	if err != nil {
		h.writeError(c, "list_campaigns", err)
		return
	}
	payloads := make([]campaignPayload, 0, len(campaigns))
	for _, campaign := range campaigns {
		payloads = append(payloads, newCampaignPayload(campaign))
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": payloads})
}

func (h *httpHandler) handleGetCampaign(c *gin.Context) {
	id, ok := parseCampaignID(c)
	if !ok {
		return
	}
	campaign, err := h.store.GetCampaign(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "get_campaign", err)
		return
	}
	c.JSON(http.StatusOK, newCampaignPayload(campaign))
}

func (h *httpHandler) handleCampaignDrops(c *gin.Context) {
	id, ok := parseCampaignID(c)
	if !ok {
		return
	}
	list, err := h.store.CampaignDrops(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "campaign_drops", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drops": newDropPayloads(list)})
}

func (h *httpHandler) handleGetDrop(c *gin.Context) {
	drop, err := h.store.GetDrop(c.Request.Context(), c.Param("hash"))
	if err != nil {
		h.writeError(c, "get_drop", err)
		return
	}
	c.JSON(http.StatusOK, newDropPayload(drop))
}

func (h *httpHandler) handleDropKeys(c *gin.Context) {
	keys, err := h.registry.Keys(c.Request.Context(), c.Param("hash"))
	if err != nil {
		h.writeError(c, "drop_keys", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *httpHandler) handleRecentRewards(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	list, err := h.store.RecentClaims(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, "recent_rewards", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drops": newDropPayloads(list)})
}

type createCampaignPayload struct {
	Path             string   `json:"path"`
	FundingAddress   string   `json:"funding_address"`
	FundingPublicKey string   `json:"funding_public_key"`
	SearchTerms      []string `json:"search_terms"`
	Metadata         string   `json:"metadata"`
}

func (h *httpHandler) handleCreateCampaign(c *gin.Context) {
	var request createCampaignPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	campaign, err := h.store.CreateCampaign(c.Request.Context(), c.GetString(callerIDContextKey), drops.CampaignInput{
		Path:             request.Path,
		FundingAddress:   request.FundingAddress,
		FundingPublicKey: request.FundingPublicKey,
		SearchTerms:      request.SearchTerms,
		Metadata:         request.Metadata,
	})
	if err != nil {
		h.writeError(c, "create_campaign", err)
		return
	}
	c.JSON(http.StatusCreated, newCampaignPayload(campaign))
}

type updateCampaignPayload struct {
	SearchTerms *[]string `json:"search_terms"`
	Metadata    *string   `json:"metadata"`
}

func (h *httpHandler) handleUpdateCampaign(c *gin.Context) {
	id, ok := parseCampaignID(c)
	if !ok {
		return
	}
	var request updateCampaignPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	campaign, err := h.store.UpdateCampaign(c.Request.Context(), c.GetString(callerIDContextKey), id, drops.CampaignUpdate{
		SearchTerms: request.SearchTerms,
		Metadata:    request.Metadata,
	})
	if err != nil {
		h.writeError(c, "update_campaign", err)
		return
	}
	c.JSON(http.StatusOK, newCampaignPayload(campaign))
}

func (h *httpHandler) handleDeleteCampaign(c *gin.Context) {
	id, ok := parseCampaignID(c)
	if !ok {
		return
	}
	released, err := h.store.DeleteCampaign(c.Request.Context(), c.GetString(callerIDContextKey), id)
	if err != nil {
		h.writeError(c, "delete_campaign", err)
		return
	}
	if released == nil {
		released = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"released_keys": released})
}

type addDropPayload struct {
	Hash          string `json:"hash"`
	Amount        uint64 `json:"amount"`
	AuxPayloadHex string `json:"aux_payload_hex"`
	TargetHandle  string `json:"target_handle"`
	TargetRef     string `json:"target_ref"`
}

func (h *httpHandler) handleAddDrop(c *gin.Context) {
	id, ok := parseCampaignID(c)
	if !ok {
		return
	}
	var request addDropPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	drop, err := h.store.AddDrop(c.Request.Context(), c.GetString(callerIDContextKey), id, drops.DropInput{
		Hash:          request.Hash,
		Amount:        request.Amount,
		AuxPayloadHex: request.AuxPayloadHex,
		TargetHandle:  request.TargetHandle,
		TargetRef:     request.TargetRef,
	})
	if err != nil {
		h.writeError(c, "add_drop", err)
		return
	}
	c.JSON(http.StatusCreated, newDropPayload(drop))
}

type bindKeyPayload struct {
	Credential string `json:"credential"`
}

func (h *httpHandler) handleBindKey(c *gin.Context) {
	var request bindKeyPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Credential) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bound, err := h.registry.Bind(c.Request.Context(), c.GetString(callerIDContextKey), request.Credential, c.Param("hash"))
	if err != nil {
		h.writeError(c, "bind_key", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bound": bound})
}

func (h *httpHandler) handleRevokeKey(c *gin.Context) {
	caller := c.GetString(callerIDContextKey)
	if !h.store.IsOperator(caller) {
		h.writeError(c, "revoke_key", drops.ErrUnauthorized)
		return
	}
	credential := c.Param("credential")
	dropHash, err := h.registry.Lookup(c.Request.Context(), credential)
	if err != nil {
		h.writeError(c, "revoke_key", err)
		return
	}
	if dropHash != c.Param("hash") {
		h.writeError(c, "revoke_key", drops.ErrUnknownCredential)
		return
	}
	if err := h.registry.Revoke(c.Request.Context(), caller, credential); err != nil {
		h.writeError(c, "revoke_key", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type proofKeyPayload struct {
	PublicKey string `json:"public_key"`
}

func (h *httpHandler) handleSetProofKey(c *gin.Context) {
	if h.proofs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proofs_disabled"})
		return
	}
	caller := c.GetString(callerIDContextKey)
	if !h.store.IsOperator(caller) {
		h.writeError(c, "set_proof_key", drops.ErrUnauthorized)
		return
	}
	var request proofKeyPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.proofs.SetAuthPublicKey(request.PublicKey); err != nil {
		h.writeError(c, "set_proof_key", err)
		return
	}
	h.logger.Info("identity proof key rotated", zap.String("caller", caller))
	c.JSON(http.StatusOK, gin.H{"public_key": h.proofs.AuthPublicKey()})
}

type deriveAddressPayload struct {
	Path string `json:"path"`
}

func (h *httpHandler) handleDeriveAddress(c *gin.Context) {
	if h.addresses == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "derivation_disabled"})
		return
	}
	var request deriveAddressPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Path) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	funding, err := h.addresses.Funding(request.Path)
	if err != nil {
		h.writeError(c, "derive_address", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":       request.Path,
		"address":    funding.Address,
		"public_key": funding.PublicKeyHex,
	})
}

type claimEventPayload struct {
	CampaignID      uint64 `json:"campaign_id"`
	DropHash        string `json:"drop_hash"`
	Claimant        string `json:"claimant"`
	ReceiverAddress string `json:"receiver"`
	Amount          uint64 `json:"amount"`
	SignedTxHex     string `json:"signed_tx_hex"`
	ClaimedAt       string `json:"claimed_at"`
}

func (h *httpHandler) handleCampaignEvents(c *gin.Context) {
	id, ok := parseCampaignID(c)
	if !ok {
		return
	}
	if _, err := h.store.GetCampaign(c.Request.Context(), id); err != nil {
		h.writeError(c, "campaign_events", err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, id)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, claimEventPayload{
				CampaignID:      message.CampaignID,
				DropHash:        message.DropHash,
				Claimant:        message.Claimant,
				ReceiverAddress: message.ReceiverAddress,
				Amount:          message.Amount,
				SignedTxHex:     message.SignedTxHex,
				ClaimedAt:       message.Timestamp.Format(time.RFC3339),
			})
			c.Writer.Flush()
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source":    realtimeSourceBackend,
				"timestamp": now.UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		}
	}
}
