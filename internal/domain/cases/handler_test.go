package cases

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/dcplant/dcplant/internal/platform/auth"
)

func newTestHandler() (*Handler, *echo.Echo, *fixture) {
	f := newFixture()
	jobs, _, _ := newTestJobs(f)
	return NewHandler(f.svc, jobs), echo.New(), f
}

func withPrincipal(req *http.Request, p auth.Principal) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

func statusOf(err error, rec *httptest.ResponseRecorder) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return rec.Code
}

func jsonRequest(method, body string, p auth.Principal) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return withPrincipal(req, p)
}

func TestHandler_CreateCase(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.user(f.hq, auth.RoleDentist)
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"title":"Crown","patient_id":"`+f.hqPatient.String()+`","priority":"HIGH"}`, p), rec)

	if err := h.CreateCase(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got Case
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.CaseNumber == "" || got.Priority != PriorityHigh {
		t.Errorf("unexpected body: %+v", got)
	}
}

func TestHandler_CreateCase_ReadOnly(t *testing.T) {
	h, e, f := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"title":"x","patient_id":"`+f.hqPatient.String()+`"}`, f.user(f.hq, auth.RoleReadOnly)), rec)
	if code := statusOf(h.CreateCase(c), rec); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestHandler_GetCase(t *testing.T) {
	h, e, f := newTestHandler()
	owner := f.user(f.hq, auth.RoleDentist)
	cs := f.newCase(owner, StatusDraft)

	tests := []struct {
		name string
		p    auth.Principal
		id   string
		want int
	}{
		{"creator", owner, cs.ID.String(), http.StatusOK},
		{"colleague on draft", f.user(f.hq, auth.RoleHQAdmin), cs.ID.String(), http.StatusNotFound},
		{"bad id", owner, "nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), tt.p), rec)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			if code := statusOf(h.GetCase(c), rec); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestHandler_GetCase_IncludesPermissions(t *testing.T) {
	h, e, f := newTestHandler()
	owner := f.user(f.hq, auth.RoleDentist)
	cs := f.newCase(owner, StatusActive)

	rec := httptest.NewRecorder()
	c := e.NewContext(withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), f.user(f.hq, auth.RoleAssistant)), rec)
	c.SetParamNames("id")
	c.SetParamValues(cs.ID.String())
	if err := h.GetCase(c); err != nil {
		t.Fatal(err)
	}
	var body struct {
		CaseNumber  string      `json:"case_number"`
		Permissions Permissions `json:"permissions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.CaseNumber != cs.CaseNumber || body.Permissions != readAccess {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestHandler_ChangeStatus_InvalidTransition(t *testing.T) {
	h, e, f := newTestHandler()
	owner := f.user(f.hq, auth.RoleDentist)
	cs := f.newCase(owner, StatusDraft)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPatch, `{"status":"COMPLETED"}`, owner), rec)
	c.SetParamNames("id")
	c.SetParamValues(cs.ID.String())
	if code := statusOf(h.ChangeStatus(c), rec); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_ListCases_Filters(t *testing.T) {
	h, e, f := newTestHandler()
	owner := f.user(f.hq, auth.RoleDentist)
	f.newCase(owner, StatusActive)
	f.newCase(owner, StatusDraft)

	rec := httptest.NewRecorder()
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/?status=ACTIVE&page=1&page_size=10", nil), owner)
	c := e.NewContext(req, rec)
	if err := h.ListCases(c); err != nil {
		t.Fatal(err)
	}
	var body struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 || body.Limit != 10 {
		t.Errorf("unexpected page %+v", body)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(withPrincipal(httptest.NewRequest(http.MethodGet, "/?created_from=yesterday", nil), owner), rec)
	if code := statusOf(h.ListCases(c), rec); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad date, got %d", code)
	}
}

func TestHandler_DeleteComment_NotFound(t *testing.T) {
	h, e, f := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(withPrincipal(httptest.NewRequest(http.MethodDelete, "/", nil), f.user(f.hq, auth.RoleDentist)), rec)
	c.SetParamNames("id")
	c.SetParamValues("00000000-0000-0000-0000-000000000001")
	if code := statusOf(h.DeleteComment(c), rec); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_BulkUpdate_Accepted(t *testing.T) {
	h, e, f := newTestHandler()
	owner := f.user(f.hq, auth.RoleDentist)
	cs := f.newCase(owner, StatusActive)

	rec := httptest.NewRecorder()
	body := `{"case_ids":["` + cs.ID.String() + `"],"changes":{"priority":"LOW"}}`
	c := e.NewContext(jsonRequest(http.MethodPost, body, owner), rec)
	if err := h.BulkUpdate(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["task_id"] == "" || got["status"] != "PENDING" {
		t.Errorf("unexpected body %v", got)
	}
	if _, err := h.jobs.queue.Get(context.Background(), got["task_id"]); err != nil {
		t.Errorf("task not registered: %v", err)
	}
}
