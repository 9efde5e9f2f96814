package activity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dcplant/dcplant/internal/platform/auth"
)

func TestHandler_Purge(t *testing.T) {
	tests := []struct {
		name  string
		query string
		p     auth.Principal
		want  int
	}{
		{"superuser all", "", auth.Principal{UserID: uuid.New(), IsSuperuser: true}, http.StatusOK},
		{"superuser before", "?before=" + time.Now().Add(-time.Hour).Format(time.RFC3339), auth.Principal{UserID: uuid.New(), IsSuperuser: true}, http.StatusOK},
		{"bad cutoff", "?before=yesterday", auth.Principal{UserID: uuid.New(), IsSuperuser: true}, http.StatusBadRequest},
		{"admin", "", auth.Principal{UserID: uuid.New(), Role: auth.RoleHQAdmin}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService()
			h := NewHandler(svc)
			e := echo.New()
			req := httptest.NewRequest(http.MethodDelete, "/"+tt.query, nil)
			req = req.WithContext(auth.WithPrincipal(req.Context(), tt.p))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := h.Purge(c)
			code := rec.Code
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			if code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestHandler_RegisterRoutes_RequiresSuperuser(t *testing.T) {
	svc, _ := newTestService()
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := auth.Principal{UserID: uuid.New(), Role: auth.RoleHQAdmin}
			c.SetRequest(c.Request().WithContext(auth.WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	})
	NewHandler(svc).RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/activities", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestCaptureClientIP(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.1.2.3")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got string
	err := CaptureClientIP()(func(c echo.Context) error {
		got = ClientIPFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "10.1.2.3" {
		t.Errorf("expected 10.1.2.3, got %q", got)
	}
}
