package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/config"
	"github.com/medportal/portal/internal/domain/access"
	"github.com/medportal/portal/internal/domain/patient"
	"github.com/medportal/portal/internal/platform/notification"
)

type captureNotifier struct {
	mu    sync.Mutex
	codes []string
}

func (n *captureNotifier) Send(_ context.Context, _ notification.Recipient, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes = append(n.codes, msg.Code)
	return nil
}

func (n *captureNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.codes) == 0 {
		return ""
	}
	return n.codes[len(n.codes)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		Env:                   "development",
		StorageDriver:         "memory",
		DefaultTenant:         "default",
		CORSOrigins:           []string{"http://localhost:3000"},
		AccessTokenTTL:        5 * time.Minute,
		ConsentTTL:            10 * time.Minute,
		ConsentGrace:          2 * time.Minute,
		ConsentMaxAttempts:    5,
		OTPDigits:             6,
		SweepInterval:         time.Minute,
		NotifyTimeout:         time.Second,
		RateLimitRPS:          100,
		RateLimitBurst:        200,
		ConsentRateLimitRPS:   10,
		ConsentRateLimitBurst: 50,
		RequestTimeout:        5 * time.Second,
	}
}

func newTestServer(t *testing.T) (*echo.Echo, *captureNotifier) {
	t.Helper()
	cfg := testConfig()
	notifier := &captureNotifier{}
	a, err := buildApp(cfg, nil, notifier, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	return newServer(cfg, a, nil, zerolog.Nop()), notifier
}

type call struct {
	method   string
	path     string
	body     string
	provider string
	token    string
}

func do(e *echo.Echo, c call) *httptest.ResponseRecorder {
	var req *http.Request
	if c.body != "" {
		req = httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(c.method, c.path, nil)
	}
	if c.provider != "" {
		req.Header.Set("X-Dev-Provider-ID", c.provider)
	}
	if c.token != "" {
		req.Header.Set(access.TokenHeader, c.token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, call{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on every response")
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected a request id")
	}
}

func TestServer_ConsentToRecordsFlow(t *testing.T) {
	e, notifier := newTestServer(t)
	patientID := patient.DevSeed.ID.String()

	rec := do(e, call{
		method: http.MethodPost,
		path:   "/api/v1/providers",
		body:   `{"role":"doctor","name":"Dr. Ada Okafor","contact_email":"ada@clinic.example","license_number":"MD-4471"}`,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	var registered struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &registered)
	providerID := registered.ID
	pair := fmt.Sprintf(`{"provider_id":%q,"patient_id":%q}`, providerID, patientID)

	// Unverified providers may run consent but the gate refuses them.
	rec = do(e, call{method: http.MethodPost, path: "/api/v1/access/authorize", body: pair, provider: providerID})
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "ProviderNotVerified") {
		t.Fatalf("authorize before verification: got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, call{
		method: http.MethodPost,
		path:   "/api/v1/providers/" + providerID + "/verify",
		body:   `{"status":"verified","note":"license checked"}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify provider: expected 200, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, call{method: http.MethodPost, path: "/api/v1/consent/issue", body: pair, provider: providerID})
	if rec.Code != http.StatusOK {
		t.Fatalf("issue: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	code := notifier.last()
	if len(code) != 6 {
		t.Fatalf("expected a 6 digit code, got %q", code)
	}

	withCode := fmt.Sprintf(`{"provider_id":%q,"patient_id":%q,"code":%q}`, providerID, patientID, code)
	rec = do(e, call{method: http.MethodPost, path: "/api/v1/consent/verify", body: withCode, provider: providerID})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify code: expected 200, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, call{method: http.MethodPost, path: "/api/v1/access/authorize", body: pair, provider: providerID})
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var grant struct {
		Token        string   `json:"token"`
		GrantedScope []string `json:"granted_scope"`
	}
	json.Unmarshal(rec.Body.Bytes(), &grant)
	if grant.Token == "" || len(grant.GrantedScope) == 0 {
		t.Fatalf("unexpected grant %s", rec.Body.String())
	}

	rec = do(e, call{
		method:   http.MethodGet,
		path:     "/api/v1/records/" + patientID + "/prescriptions",
		provider: providerID,
		token:    grant.Token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("records: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 2 {
		t.Errorf("expected 2 seeded prescriptions, got %d", page.Total)
	}

	// The session was consumed by the first grant.
	rec = do(e, call{method: http.MethodPost, path: "/api/v1/access/authorize", body: pair, provider: providerID})
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "NoValidConsent") {
		t.Errorf("second authorize: got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, call{method: http.MethodGet, path: "/api/v1/audit-events?provider_id=" + providerID})
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "ConsentConsumed") {
		t.Errorf("expected the grant in the audit log: %s", rec.Body.String())
	}

	rec = do(e, call{method: http.MethodGet, path: "/metrics"})
	if !strings.Contains(rec.Body.String(), `portal_gate_decisions_total{action="access.authorize",decision="granted",reason="ConsentConsumed"} 1`) {
		t.Errorf("expected the grant in metrics:\n%s", rec.Body.String())
	}
}

func TestServer_RecordsRequireToken(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, call{method: http.MethodGet, path: "/api/v1/records/" + patient.DevSeed.ID.String() + "/health-metrics"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestResolveAccessTokenKey(t *testing.T) {
	want := strings.Repeat("ab", 32)
	key, generated, err := resolveAccessTokenKey(want)
	if err != nil {
		t.Fatal(err)
	}
	if generated || hex.EncodeToString(key) != want {
		t.Errorf("expected configured key, got generated=%v", generated)
	}

	key, generated, err = resolveAccessTokenKey("")
	if err != nil {
		t.Fatal(err)
	}
	if !generated || len(key) != 32 {
		t.Errorf("expected a generated 32 byte key, got %d bytes", len(key))
	}

	if _, _, err := resolveAccessTokenKey("not-hex"); err == nil {
		t.Error("expected an error for invalid hex")
	}
}
