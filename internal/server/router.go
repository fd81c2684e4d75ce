package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tickerwatch/identity-bridge/internal/auth"
	"github.com/tickerwatch/identity-bridge/internal/bridge"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

var (
	errMissingBridge           = errors.New("bridge dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// Exchanger performs the token-for-session exchange.
type Exchanger interface {
	Exchange(ctx context.Context, rawToken string) (bridge.Result, error)
}

// SessionValidator introspects bridge-issued session credentials.
type SessionValidator interface {
	Validate(token string) (accountID, tokenID string, err error)
}

// Dependencies bundles the collaborators of the HTTP layer.
type Dependencies struct {
	Bridge         Exchanger
	Sessions       SessionValidator
	Health         func(ctx context.Context) error
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler wires the gin router for the bridge service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Bridge == nil {
		return nil, errMissingBridge
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		bridge:   deps.Bridge,
		sessions: deps.Sessions,
		health:   deps.Health,
		timeout:  timeout,
		logger:   logger,
	}

	router.POST("/auth/exchange", handler.handleExchange)
	router.GET("/auth/session", handler.handleSessionIntrospect)
	router.GET("/healthz", handler.handleHealth)

	return router, nil
}

// corsMiddleware answers preflight for browser callers. The bridge is the
// authorization decision itself, so any origin may reach it; the header
// allow-list matches what the web client sends.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"authorization", "x-client-info", "apikey", "content-type"},
		MaxAge:          12 * time.Hour,
	})
}

type httpHandler struct {
	bridge   Exchanger
	sessions SessionValidator
	health   func(ctx context.Context) error
	timeout  time.Duration
	logger   *zap.Logger
}

type exchangeRequestPayload struct {
	Token string `json:"token"`
}

type exchangeResponsePayload struct {
	AccountID   string `json:"account_id"`
	Email       string `json:"email"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type errorResponsePayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *httpHandler) handleExchange(c *gin.Context) {
	var request exchangeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, errorResponsePayload{Error: "invalid_request", Message: "token required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	result, err := h.bridge.Exchange(ctx, request.Token)
	if err != nil {
		code := classifyExchangeError(err)
		if code == "invalid_token" {
			h.logger.Info("token exchange rejected", zap.Error(err))
		} else {
			h.logger.Warn("token exchange failed", zap.String("code", code), zap.Error(err))
		}
		c.JSON(http.StatusBadRequest, errorResponsePayload{Error: code, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, exchangeResponsePayload{
		AccountID:   result.Account.ID,
		Email:       result.Account.Email,
		AccessToken: result.Session.Token,
		ExpiresIn:   result.Session.ExpiresIn,
		TokenType:   "Bearer",
	})
}

// classifyExchangeError maps a bridge failure onto the wire error code.
// Every class reaches the caller verbatim; conflicts never get here
// because the bridge converts them into a re-resolve.
func classifyExchangeError(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, auth.ErrVerifierUnavailable):
		return "verifier_unavailable"
	case errors.Is(err, bridge.ErrStorage):
		return "storage_error"
	case errors.Is(err, bridge.ErrProvisionFailed):
		return "provision_failed"
	case errors.Is(err, bridge.ErrIssueFailed):
		return "issue_failed"
	default:
		return "exchange_failed"
	}
}

type sessionResponsePayload struct {
	AccountID string `json:"account_id"`
	TokenID   string `json:"token_id"`
}

func (h *httpHandler) handleSessionIntrospect(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.JSON(http.StatusUnauthorized, errorResponsePayload{Error: "unauthorized", Message: errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.JSON(http.StatusUnauthorized, errorResponsePayload{Error: "unauthorized", Message: errInvalidAuthorization.Error()})
		return
	}

	accountID, tokenID, err := h.sessions.Validate(token)
	if err != nil {
		h.logger.Info("session validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, errorResponsePayload{Error: "unauthorized", Message: "invalid session"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{AccountID: accountID, TokenID: tokenID})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()
		if err := h.health(ctx); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
