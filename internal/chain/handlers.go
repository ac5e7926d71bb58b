package chain

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bmbapp/bmb/internal/auth"
	"github.com/bmbapp/bmb/internal/security"
)

// Handler exposes the caller's wallet session over HTTP.
type Handler struct {
	sessions    *Sessions
	network     Network
	checkBridge func(rawURL string) error
}

// NewHandler creates a wallet handler for the configured network. Bridge
// URLs must point at public hosts.
func NewHandler(sessions *Sessions, network Network) *Handler {
	return &Handler{sessions: sessions, network: network, checkBridge: security.ValidateEndpointURL}
}

// AllowPrivateBridges accepts loopback and private bridge URLs, for a
// wallet bridge running next to the server in development.
func (h *Handler) AllowPrivateBridges() *Handler {
	h.checkBridge = nil
	return h
}

func (h *Handler) validBridge(c *gin.Context, rawURL string) bool {
	if rawURL == "" || h.checkBridge == nil {
		return true
	}
	if err := h.checkBridge(rawURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bridge", "message": err.Error()})
		return false
	}
	return true
}

// RegisterProtectedRoutes sets up wallet routes (auth required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetSession)
	r.POST("/wallet/session", h.OpenSession)
	r.POST("/wallet/handoff", h.CompleteHandoff)
	r.POST("/wallet/connect", h.Connect)
	r.POST("/wallet/network", h.EnsureNetwork)
	r.DELETE("/wallet", h.CloseSession)
}

// OpenSessionRequest names the caller's wallet bridge endpoint.
type OpenSessionRequest struct {
	BridgeURL string `json:"bridgeUrl"`
}

// OpenSession handles POST /v1/wallet/session
func (h *Handler) OpenSession(c *gin.Context) {
	var req OpenSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if !h.validBridge(c, req.BridgeURL) {
		return
	}

	m, err := h.sessions.Open(c.Request.Context(), auth.UserID(c), c.GetHeader("User-Agent"), req.BridgeURL)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"environment": m.Environment()}
	if hs, ok := m.Signer().(*HandoffSigner); ok {
		resp["handoffPending"] = hs.Token() != ""
	}
	c.JSON(http.StatusCreated, resp)
}

// CompleteHandoffRequest returns the bridge opened inside the wallet app.
type CompleteHandoffRequest struct {
	Token     string `json:"token" binding:"required"`
	BridgeURL string `json:"bridgeUrl" binding:"required"`
}

// CompleteHandoff handles POST /v1/wallet/handoff
func (h *Handler) CompleteHandoff(c *gin.Context) {
	var req CompleteHandoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token and bridgeUrl are required",
		})
		return
	}
	if !h.validBridge(c, req.BridgeURL) {
		return
	}
	if err := h.sessions.CompleteHandoff(c.Request.Context(), auth.UserID(c), req.Token, req.BridgeURL); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "attached"})
}

// Connect handles POST /v1/wallet/connect
func (h *Handler) Connect(c *gin.Context) {
	m, err := h.sessions.For(auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	addr, err := m.Connect(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.Hex(), "environment": m.Environment()})
}

// EnsureNetwork handles POST /v1/wallet/network
func (h *Handler) EnsureNetwork(c *gin.Context) {
	m, err := h.sessions.For(auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := m.EnsureChain(c.Request.Context(), h.network); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chainId": h.network.ChainID, "name": h.network.Name})
}

// GetSession handles GET /v1/wallet
func (h *Handler) GetSession(c *gin.Context) {
	m, err := h.sessions.For(auth.UserID(c))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"connected": false})
		return
	}
	addr, ok := m.Address()
	resp := gin.H{"connected": ok, "environment": m.Environment()}
	if ok {
		resp["address"] = addr.Hex()
	}
	c.JSON(http.StatusOK, resp)
}

// CloseSession handles DELETE /v1/wallet
func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.sessions.Close(auth.UserID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeError(c *gin.Context, err error) {
	var wrong *WrongNetworkError
	switch {
	case errors.Is(err, ErrNoProvider):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "no_provider", "message": "Open a wallet session first"})
	case errors.Is(err, ErrUserRejected):
		c.JSON(http.StatusConflict, gin.H{"error": "user_rejected", "message": "Request rejected in the wallet"})
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, ErrRequestPending):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "connect_timeout", "message": err.Error()})
	case errors.Is(err, ErrHandoffMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "handoff_mismatch", "message": "Handoff token is unknown or already used"})
	case errors.As(err, &wrong):
		c.JSON(http.StatusConflict, gin.H{"error": "wrong_network", "message": wrong.Error()})
	case errors.Is(err, ErrRPCConnection):
		c.JSON(http.StatusBadGateway, gin.H{"error": "bridge_unavailable", "message": "Wallet bridge is unreachable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_error", "message": err.Error()})
	}
}
