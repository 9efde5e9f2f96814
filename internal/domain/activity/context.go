package activity

import (
	"context"

	"github.com/labstack/echo/v4"
)

type ctxKey struct{}

// WithClientIP attaches the caller's address so Record can stamp it on
// entries that do not carry one.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ip)
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKey{}).(string)
	return ip
}

// CaptureClientIP stores echo's resolved client address on the request context.
func CaptureClientIP() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(WithClientIP(req.Context(), c.RealIP())))
			return next(c)
		}
	}
}
