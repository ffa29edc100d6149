package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// LoginHandler implements wallet sign-in: the client asks for a challenge,
// signs it with its wallet and exchanges the signature for a session token.
type LoginHandler struct {
	nonces   NonceStore
	tokens   *TokenIssuer
	roles    RoleResolver
	domain   string
	nonceTTL time.Duration
	logger   zerolog.Logger
}

func NewLoginHandler(nonces NonceStore, tokens *TokenIssuer, roles RoleResolver, domain string, nonceTTL time.Duration, logger zerolog.Logger) *LoginHandler {
	return &LoginHandler{
		nonces:   nonces,
		tokens:   tokens,
		roles:    roles,
		domain:   domain,
		nonceTTL: nonceTTL,
		logger:   logger.With().Str("component", "auth").Logger(),
	}
}

func (h *LoginHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/auth/challenge", h.Challenge)
	g.POST("/auth/login", h.Login)
}

type challengeRequest struct {
	Address string `json:"address"`
}

type challengeResponse struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type loginRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Address   string    `json:"address"`
	Role      string    `json:"role"`
}

func (h *LoginHandler) Challenge(c echo.Context) error {
	var req challengeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	addr, err := ParseAddress(req.Address)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	nonce := NewNonce()
	if err := h.nonces.Put(c.Request().Context(), addr, nonce, h.nonceTTL); err != nil {
		h.logger.Error().Err(err).Str("address", addr.Hex()).Msg("failed to store login nonce")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not issue challenge")
	}

	return c.JSON(http.StatusOK, challengeResponse{
		Address:   addr.Hex(),
		Nonce:     nonce,
		Message:   ChallengeMessage(h.domain, addr, nonce),
		ExpiresAt: time.Now().Add(h.nonceTTL).UTC(),
	})
}

func (h *LoginHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	addr, err := ParseAddress(req.Address)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Signature == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "signature is required")
	}

	nonce, err := h.nonces.Take(c.Request().Context(), addr)
	if errors.Is(err, ErrNonceNotFound) {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	if err != nil {
		h.logger.Error().Err(err).Str("address", addr.Hex()).Msg("failed to read login nonce")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not verify challenge")
	}

	if err := VerifySignature(addr, ChallengeMessage(h.domain, addr, nonce), req.Signature); err != nil {
		h.logger.Warn().Str("address", addr.Hex()).Err(err).Msg("wallet login rejected")
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	role := h.roles.RoleOf(addr)
	token, exp, err := h.tokens.Issue(addr, []string{role})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to issue session token")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not issue token")
	}

	h.logger.Info().Str("address", addr.Hex()).Str("role", role).Msg("wallet login")
	return c.JSON(http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: exp.UTC(),
		Address:   addr.Hex(),
		Role:      role,
	})
}
