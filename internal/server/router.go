package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/auth"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/claims"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/kdf"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/proofs"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/ratelimit"
)

const (
	callerIDContextKey       = "bitdrop_caller_id"
	claimRateLimitScope      = "claims"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingStore         = errors.New("drop store dependency required")
	errMissingRegistry      = errors.New("key registry dependency required")
	errMissingClaimService  = errors.New("claim service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the caller identity.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// RateLimiter counts claim requests per client.
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string) (ratelimit.Decision, error)
}

// AddressDeriver derives campaign funding addresses.
type AddressDeriver interface {
	Funding(path string) (kdf.Funding, error)
}

// Dependencies wires the HTTP surface. Limiter, Proofs, Addresses, Attempts and Realtime are optional.
type Dependencies struct {
	TokenManager      TokenValidator
	Store             *drops.Store
	Registry          *drops.Registry
	Claims            *claims.Service
	Proofs            *proofs.Verifier
	Limiter           RateLimiter
	Addresses         AddressDeriver
	Attempts          AttemptReader
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Claims == nil {
		return nil, errMissingClaimService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		store:     deps.Store,
		registry:  deps.Registry,
		claims:    deps.Claims,
		proofs:    deps.Proofs,
		limiter:   deps.Limiter,
		addresses: deps.Addresses,
		attempts:  deps.Attempts,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.POST("/claims", handler.handleClaim)
	router.GET("/claims/:attempt_id", handler.handleGetAttempt)
	router.GET("/campaigns", handler.handleListCampaigns)
	router.GET("/campaigns/:id", handler.handleGetCampaign)
	router.GET("/campaigns/:id/drops", handler.handleCampaignDrops)
	router.GET("/campaigns/:id/events", handler.handleCampaignEvents)
	router.GET("/drops/:hash", handler.handleGetDrop)
	router.GET("/drops/:hash/keys", handler.handleDropKeys)
	router.GET("/rewards/recent", handler.handleRecentRewards)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/campaigns", handler.handleCreateCampaign)
	protected.PATCH("/campaigns/:id", handler.handleUpdateCampaign)
	protected.DELETE("/campaigns/:id", handler.handleDeleteCampaign)
	protected.POST("/campaigns/:id/drops", handler.handleAddDrop)
	protected.POST("/drops/:hash/keys", handler.handleBindKey)
	protected.DELETE("/drops/:hash/keys/:credential", handler.handleRevokeKey)
	protected.GET("/drops/:hash/attempts", handler.handleDropAttempts)
	protected.PUT("/admin/proof-key", handler.handleSetProofKey)
	protected.POST("/tools/bitcoin-address", handler.handleDeriveAddress)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	store     *drops.Store
	registry  *drops.Registry
	claims    *claims.Service
	proofs    *proofs.Verifier
	limiter   RateLimiter
	addresses AddressDeriver
	attempts  AttemptReader
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type claimRequestPayload struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	Receiver  string `json:"receiver"`
	Change    string `json:"change"`
	Proof     string `json:"proof"`
}

type claimResponsePayload struct {
	SignedTxHex string `json:"signed_tx_hex"`
	AttemptID   string `json:"attempt_id"`
}

func (h *httpHandler) handleClaim(c *gin.Context) {
	var request claimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	credential, err := drops.ParseCredential(request.PublicKey)
	if err != nil {
		h.writeError(c, "claim", err)
		return
	}
	fields := auth.ClaimRequestFields{
		TxID:     request.TxID,
		Vout:     request.Vout,
		Receiver: request.Receiver,
		Change:   request.Change,
	}
	if err := auth.VerifyClaimSignature(credential, request.Signature, fields); err != nil {
		h.logger.Info("claim signature rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	if !h.allowClaim(c) {
		return
	}

	change, err := btc.ParseAmount(request.Change)
	if err != nil {
		h.writeError(c, "claim", err)
		return
	}

	attempt, err := h.claims.Begin(c.Request.Context(), claims.ClaimRequest{
		Credential:      credential.String(),
		PrevTxID:        request.TxID,
		PrevVout:        request.Vout,
		ReceiverAddress: request.Receiver,
		Change:          change,
		Proof:           request.Proof,
	})
	if err != nil {
		h.writeError(c, "claim", err)
		return
	}

	signedTxHex, err := attempt.Wait(c.Request.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.logger.Info("claim client left before signing completed", zap.String("attempt_id", attempt.ID()))
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "claim_pending", "attempt_id": attempt.ID()})
			return
		}
		h.writeError(c, "claim", err)
		return
	}

	c.JSON(http.StatusOK, claimResponsePayload{SignedTxHex: signedTxHex, AttemptID: attempt.ID()})
}

// allowClaim applies the per-client limit. Limiter failures let the request through.
func (h *httpHandler) allowClaim(c *gin.Context) bool {
	if h.limiter == nil {
		return true
	}
	decision, err := h.limiter.Consume(c.Request.Context(), claimRateLimitScope, c.ClientIP())
	if err != nil {
		h.logger.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if decision.Allowed {
		return true
	}
	c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retry_after_s": decision.RetryAfterSeconds})
	return false
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(callerIDContextKey, subject)
	c.Next()
}

type codedError interface {
	Code() string
}

// writeError maps domain errors onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		fields := []zap.Field{zap.String("operation", operation), zap.Error(err)}
		var coded codedError
		if errors.As(err, &coded) {
			fields = append(fields, zap.String("code", coded.Code()))
		}
		h.logger.Error("request failed", fields...)
	}
	body := gin.H{"error": code}
	var coded codedError
	if status == http.StatusInternalServerError && errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	c.JSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, claims.ErrRemoteSigning):
		return http.StatusBadGateway, "signing_failed"
	case errors.Is(err, btc.ErrMalformedInput):
		return http.StatusBadRequest, "malformed_input"
	case errors.Is(err, proofs.ErrInvalidAuthKey):
		return http.StatusBadRequest, "invalid_auth_key"
	case errors.Is(err, drops.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, drops.ErrUnknownCredential):
		return http.StatusNotFound, "unknown_credential"
	case errors.Is(err, drops.ErrUnknownDrop):
		return http.StatusNotFound, "unknown_drop"
	case errors.Is(err, drops.ErrUnknownCampaign):
		return http.StatusNotFound, "unknown_campaign"
	case errors.Is(err, drops.ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed"
	case errors.Is(err, drops.ErrDuplicateDrop):
		return http.StatusConflict, "duplicate_drop"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func parseCampaignID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_campaign_id"})
		return 0, false
	}
	return id, true
}
