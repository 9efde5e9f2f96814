package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

// Claims are the bearer token claims the service reads. The subject must be
// the user's UUID.
type Claims struct {
	jwt.RegisteredClaims
	Email     string `json:"email"`
	Name      string `json:"name"`
	Staff     bool   `json:"is_staff"`
	Superuser bool   `json:"is_superuser"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 verification instead of JWKS.
	SigningKey []byte
}

// JWTMiddleware verifies the bearer token and stores the caller's Identity on
// the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyfunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyfunc = func(t *jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		jwksURL := cfg.JWKSURL
		if jwksURL == "" && cfg.Issuer != "" {
			if discovered, err := DiscoverJWKSURL(cfg.Issuer); err == nil {
				jwksURL = discovered
			}
		}
		keyfunc = NewJWKSCache(jwksURL, defaultJWKSCacheTTL).Keyfunc
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" && c.IsWebSocket() {
				// Browsers cannot set headers on a WebSocket handshake.
				if tok := c.QueryParam("access_token"); tok != "" {
					authHeader = "Bearer " + tok
				}
			}
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyfunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
			}

			id := Identity{
				UserID:      userID,
				Email:       claims.Email,
				Name:        claims.Name,
				IsStaff:     claims.Staff,
				IsSuperuser: claims.Superuser,
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

// DevUserID is the identity assumed by DevAuthMiddleware when no header is sent.
var DevUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// DevAuthMiddleware trusts X-Dev-User-ID / X-Dev-Superuser / X-Dev-Staff
// headers. Only for ENV=development.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			id := Identity{UserID: DevUserID, Name: "dev-user", Email: "dev@localhost"}
			if raw := h.Get("X-Dev-User-ID"); raw != "" {
				uid, err := uuid.Parse(raw)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid X-Dev-User-ID")
				}
				id.UserID = uid
				id.Name = ""
				id.Email = ""
			}
			id.IsSuperuser = h.Get("X-Dev-Superuser") == "true"
			id.IsStaff = h.Get("X-Dev-Staff") == "true"

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}
