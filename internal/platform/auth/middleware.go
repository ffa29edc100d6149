package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	CallerKey contextKey = "caller"
	RolesKey  contextKey = "roles"
)

// WalletHeader carries the caller address when development auth is enabled.
const WalletHeader = "X-Wallet-Address"

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// RoleResolver names the current role of an address. The registry's query
// facade implements it.
type RoleResolver interface {
	RoleOf(a common.Address) string
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	// Roles, when set, replaces the roles in the token with the caller's
	// current role so that grants made after login take effect immediately.
	Roles RoleResolver
	// Optional lets requests without an Authorization header through
	// anonymously. Routes that need a caller guard themselves with
	// RequireCaller or RequireRole.
	Optional bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				if cfg.Optional {
					return next(c)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if !common.IsHexAddress(claims.Subject) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
			}

			caller := common.HexToAddress(claims.Subject)
			roles := claims.Roles
			if cfg.Roles != nil {
				roles = []string{cfg.Roles.RoleOf(caller)}
			}
			c.SetRequest(c.Request().WithContext(WithCaller(c.Request().Context(), caller, roles)))
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts the X-Wallet-Address header. Requests without it
// pass through anonymously. Only for ENV=development.
func DevAuthMiddleware(roles RoleResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(WalletHeader)
			if raw == "" {
				return next(c)
			}
			caller, err := ParseAddress(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			var rs []string
			if roles != nil {
				rs = []string{roles.RoleOf(caller)}
			}
			c.SetRequest(c.Request().WithContext(WithCaller(c.Request().Context(), caller, rs)))
			return next(c)
		}
	}
}

// WithCaller returns ctx carrying an authenticated caller and its roles.
func WithCaller(ctx context.Context, caller common.Address, roles []string) context.Context {
	ctx = context.WithValue(ctx, CallerKey, caller)
	return context.WithValue(ctx, RolesKey, roles)
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(CallerKey).(common.Address)
	return a, ok
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(RolesKey).([]string)
	return roles
}
