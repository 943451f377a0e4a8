package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	var fromCtx string
	handler := func(c echo.Context) error {
		fromCtx = RequestIDFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}
	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rid := rec.Header().Get(RequestIDHeader)
	if rid == "" || rid != fromCtx || c.Get("request_id") != rid {
		t.Errorf("request id not propagated: header=%q ctx=%q", rid, fromCtx)
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	RequestID()(okHandler)(c)
	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id, got %s", got)
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 65))
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	RequestID()(okHandler)(c)
	if got := rec.Header().Get(RequestIDHeader); len(got) > 64 {
		t.Errorf("expected oversized id to be replaced, got %d chars", len(got))
	}
}

func logLevel(t *testing.T, handler echo.HandlerFunc) string {
	t.Helper()
	var buf bytes.Buffer
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	c := echo.New().NewContext(req, httptest.NewRecorder())
	Logger(zerolog.New(&buf))(handler)(c)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("bad log line %q", buf.String())
	}
	level, _ := line["level"].(string)
	return level
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		want    string
	}{
		{"ok", okHandler, "info"},
		{"client error", func(echo.Context) error { return echo.NewHTTPError(http.StatusGone, "CodeExpired") }, "warn"},
		{"server error", func(echo.Context) error { return errors.New("boom") }, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := logLevel(t, tt.handler); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	c := echo.New().NewContext(req, httptest.NewRecorder())

	err := Recovery(zerolog.Nop())(func(echo.Context) error { panic("test panic") })(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	c := echo.New().NewContext(req, httptest.NewRecorder())
	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"http error", echo.NewHTTPError(http.StatusTooManyRequests, "TooManyAttempts"), 429, "TooManyAttempts"},
		{"plain error", errors.New("pg: connection refused"), 500, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(req, rec)
			c.Set("request_id", "req-7")

			ErrorHandler(zerolog.Nop())(tt.err, c)

			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			var body ErrorBody
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body.Error != tt.wantMsg || body.RequestID != "req-7" {
				t.Errorf("unexpected body %+v", body)
			}
		})
	}
}
