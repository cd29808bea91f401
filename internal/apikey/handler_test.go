package apikey

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/transcription-worker/internal/dto"
	"github.com/eleven-am/transcription-worker/internal/shared"
	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *Store) {
	t.Helper()
	store := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(store, logger), store
}

func TestAPIKeyHandler_RegisterRoutes(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	g := e.Group("/v1/keys")

	h.RegisterRoutes(g)

	routePaths := make(map[string]bool)
	for _, r := range e.Routes() {
		routePaths[r.Method+" "+r.Path] = true
	}

	for _, path := range []string{"GET /v1/keys", "POST /v1/keys", "DELETE /v1/keys/:id"} {
		if !routePaths[path] {
			t.Errorf("expected route %s to be registered", path)
		}
	}
}

func TestAPIKeyHandler_List(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	_, _ = store.Create(ctx, &APIKey{Name: "first"})
	_, _ = store.Create(ctx, &APIKey{Name: "second", Scope: ScopeAdmin})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.List(c); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp dto.APIKeyListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.APIKeys) != 2 {
		t.Fatalf("got %d keys, want 2", len(resp.APIKeys))
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("list response must not expose secrets")
	}
}

func TestAPIKeyHandler_Create(t *testing.T) {
	h, store := newTestHandler(t)
	e := echo.New()

	body := `{"name":"dashboard","scope":"admin","expires_in_days":30}`
	req := httptest.NewRequest(http.MethodPost, "/v1/keys", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp dto.CreateAPIKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.HasPrefix(resp.Secret, secretPrefix) {
		t.Errorf("Secret = %q, want %q prefix", resp.Secret, secretPrefix)
	}
	if resp.Scope != "admin" {
		t.Errorf("Scope = %q, want admin", resp.Scope)
	}
	if resp.ExpiresAt == nil {
		t.Fatal("expected expires_at to be set")
	}
	expiresAt, err := time.Parse(time.RFC3339, *resp.ExpiresAt)
	if err != nil {
		t.Fatalf("expires_at not RFC3339: %v", err)
	}
	if d := time.Until(expiresAt); d < 29*24*time.Hour || d > 31*24*time.Hour {
		t.Errorf("expires_at %v is not ~30 days out", expiresAt)
	}

	key, err := store.Validate(context.Background(), resp.Secret)
	if err != nil {
		t.Fatalf("returned secret does not validate: %v", err)
	}
	if key.ID != resp.ID {
		t.Errorf("validated key %q, want %q", key.ID, resp.ID)
	}
}

func TestAPIKeyHandler_Create_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{bad`, "invalid_request"},
		{"missing name", `{"scope":"read"}`, "missing_name"},
		{"invalid scope", `{"name":"x","scope":"root"}`, "invalid_scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t)
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/v1/keys", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			assertHTTPError(t, h.Create(c), http.StatusBadRequest, tt.code)
		})
	}
}

func TestAPIKeyHandler_Delete(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	caller := &APIKey{Name: "caller", Scope: ScopeAdmin}
	_, _ = store.Create(ctx, caller)
	target := &APIKey{Name: "target"}
	_, _ = store.Create(ctx, target)

	tests := []struct {
		name   string
		id     string
		status int
		code   string
	}{
		{"self", caller.ID, http.StatusConflict, "self_delete"},
		{"success", target.ID, http.StatusNoContent, ""},
		{"not found", target.ID, http.StatusNotFound, "key_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodDelete, "/v1/keys/"+tt.id, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			c.Set(contextKey, caller)

			err := h.Delete(c)
			if tt.code != "" {
				assertHTTPError(t, err, tt.status, tt.code)
				return
			}
			if err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}

	if _, err := store.GetByID(ctx, caller.ID); err != nil {
		t.Errorf("caller key should survive: %v", err)
	}
}

func TestKeyToResponse(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	key := &APIKey{
		ID:         "key_1",
		Name:       "ops",
		Scope:      ScopeAdmin,
		Prefix:     "sk-stt-abcdef1",
		CreatedAt:  now,
		ExpiresAt:  timePtr(now.Add(24 * time.Hour)),
		LastUsedAt: timePtr(now.Add(time.Hour)),
	}

	resp := keyToResponse(key)
	if resp.CreatedAt != "2024-01-15T10:30:00Z" {
		t.Errorf("CreatedAt = %q", resp.CreatedAt)
	}
	if resp.ExpiresAt == nil || *resp.ExpiresAt != "2024-01-16T10:30:00Z" {
		t.Errorf("ExpiresAt = %v", resp.ExpiresAt)
	}
	if resp.LastUsed == nil || *resp.LastUsed != "2024-01-15T11:30:00Z" {
		t.Errorf("LastUsed = %v", resp.LastUsed)
	}

	bare := keyToResponse(&APIKey{ID: "key_2", CreatedAt: now})
	if bare.ExpiresAt != nil || bare.LastUsed != nil {
		t.Error("optional fields should be nil")
	}
}

func assertHTTPError(t *testing.T, err error, status int, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", status)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if httpErr.Code != status {
		t.Errorf("status = %d, want %d", httpErr.Code, status)
	}
	apiErr, ok := httpErr.Message.(*shared.APIError)
	if !ok {
		t.Fatalf("expected *shared.APIError message, got %T", httpErr.Message)
	}
	if apiErr.Code != code {
		t.Errorf("code = %q, want %q", apiErr.Code, code)
	}
}
