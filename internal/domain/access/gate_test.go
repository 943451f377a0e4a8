package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/domain/auditlog"
	"github.com/medportal/portal/internal/domain/consent"
	"github.com/medportal/portal/internal/domain/patient"
	"github.com/medportal/portal/internal/domain/provider"
	"github.com/medportal/portal/internal/platform/notification"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type captureNotifier struct {
	mu   sync.Mutex
	code string
}

func (n *captureNotifier) Send(_ context.Context, _ notification.Recipient, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.code = msg.Code
	return nil
}

func (n *captureNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.code
}

type failingAuditStore struct {
	auditlog.Store
}

func (failingAuditStore) Append(context.Context, *auditlog.Event) error {
	return errors.New("audit table unavailable")
}

// flakyAuditStore fails the next failures appends, then recovers.
type flakyAuditStore struct {
	auditlog.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyAuditStore) Append(ctx context.Context, e *auditlog.Event) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("audit table unavailable")
	}
	s.mu.Unlock()
	return s.Store.Append(ctx, e)
}

type world struct {
	providers *provider.Service
	consent   *consent.Service
	sessions  consent.SessionStore
	gate      *Gate
	tokens    *TokenIssuer
	audit     auditlog.Store
	notifier  *captureNotifier
	patient   patient.Patient
	clock     time.Time
}

func newWorld(t *testing.T, auditStore auditlog.Store) *world {
	t.Helper()
	w := &world{
		notifier: &captureNotifier{},
		patient:  patient.Patient{ID: uuid.New(), FullName: "Ana Ruiz", Email: "ana@example.com"},
		audit:    auditStore,
		clock:    time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return w.clock }

	repo := provider.NewMemoryRepo()
	w.providers = provider.NewService(repo, zerolog.Nop())
	w.sessions = consent.NewMemoryStore(consent.StoreOptions{MaxAttempts: 5, Grace: 2 * time.Minute, Now: now})
	recorder := auditlog.NewRecorder(auditStore, zerolog.Nop())

	w.consent = consent.NewService(w.sessions, w.providers, patient.NewMemoryDirectory(w.patient), w.notifier,
		recorder, nil, consent.Config{TTL: 10 * time.Minute, Grace: 2 * time.Minute, NotifyTimeout: time.Second}, zerolog.Nop())
	w.consent.SetClock(now)

	w.tokens = NewTokenIssuer(testKey, 5*time.Minute)
	w.tokens.SetClock(now)
	w.gate = NewGate(provider.NewGate(repo), w.sessions, recorder, w.tokens, zerolog.Nop())
	return w
}

func (w *world) register(t *testing.T, role provider.Role, verify bool) *provider.Provider {
	t.Helper()
	ctx := context.Background()
	p, err := w.providers.Register(ctx, provider.Registration{
		Role: role, Name: "Provider " + string(role), ContactEmail: "desk@provider.example", LicenseNumber: "LIC-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if verify {
		if p, err = w.providers.SetStatus(ctx, p.ID, provider.StatusVerified, "admin-1", ""); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

// consentFor runs issue and a correct verify for the pair.
func (w *world) consentFor(t *testing.T, providerID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	if _, err := w.consent.Issue(ctx, providerID, w.patient.ID); err != nil {
		t.Fatal(err)
	}
	if err := w.consent.Verify(ctx, providerID, w.patient.ID, w.notifier.last()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func (w *world) authorizeEvents(t *testing.T) []*auditlog.Event {
	t.Helper()
	events, _, err := w.audit.List(context.Background(), auditlog.Filter{Action: auditlog.ActionAuthorize}, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func TestScenarioA_VerifiedProviderGetsOneGrant(t *testing.T) {
	w := newWorld(t, auditlog.NewMemoryStore())
	p := w.register(t, provider.RoleDoctor, true)
	w.consentFor(t, p.ID)
	ctx := context.Background()

	grant, err := w.gate.Authorize(ctx, p.ID, w.patient.ID)
	if err != nil {
		t.Fatalf("expected grant, got %v", err)
	}
	if grant.Token == "" || !grant.ExpiresAt.Equal(w.clock.Add(5*time.Minute)) {
		t.Errorf("unexpected grant %+v", grant)
	}
	if len(grant.GrantedScope) != 2 {
		t.Errorf("expected doctor scope, got %v", grant.GrantedScope)
	}

	tok, err := w.tokens.Parse(grant.Token)
	if err != nil {
		t.Fatal(err)
	}
	if tok.ProviderID != p.ID || tok.PatientID != w.patient.ID || tok.ID != grant.TokenID {
		t.Errorf("token not scoped to the pair: %+v", tok)
	}

	if _, err := w.gate.Authorize(ctx, p.ID, w.patient.ID); !errors.Is(err, ErrNoValidConsent) {
		t.Fatalf("second authorize: expected ErrNoValidConsent, got %v", err)
	}

	events := w.authorizeEvents(t)
	if len(events) != 2 {
		t.Fatalf("expected one audit event per call, got %d", len(events))
	}
	var granted, denied int
	for _, e := range events {
		switch e.Decision {
		case auditlog.DecisionGranted:
			granted++
		case auditlog.DecisionDenied:
			denied++
			if e.Reason != "NoValidConsent" {
				t.Errorf("unexpected denial reason %q", e.Reason)
			}
		}
	}
	if granted != 1 || denied != 1 {
		t.Errorf("expected 1 grant and 1 denial, got %d/%d", granted, denied)
	}
}

func TestScenarioB_PendingProviderDenied(t *testing.T) {
	w := newWorld(t, auditlog.NewMemoryStore())
	p := w.register(t, provider.RoleDoctor, false)
	w.consentFor(t, p.ID)
	ctx := context.Background()

	if _, err := w.gate.Authorize(ctx, p.ID, w.patient.ID); !errors.Is(err, ErrProviderNotVerified) {
		t.Fatalf("expected ErrProviderNotVerified, got %v", err)
	}

	// The denial must not burn the patient's consent.
	if ok, _ := w.sessions.Consume(ctx, p.ID, w.patient.ID); !ok {
		t.Error("expected session to remain consumable")
	}

	events := w.authorizeEvents(t)
	if len(events) != 1 || events[0].Decision != auditlog.DecisionDenied || events[0].Reason != "ProviderNotVerified" {
		t.Errorf("unexpected audit events %+v", events)
	}
}

func TestAuthorize_UnverifiedProviderDeniedRegardlessOfConsent(t *testing.T) {
	w := newWorld(t, auditlog.NewMemoryStore())
	ctx := context.Background()

	rejected := w.register(t, provider.RoleLab, false)
	if _, err := w.providers.SetStatus(ctx, rejected.ID, provider.StatusRejected, "admin-1", "license lapsed"); err != nil {
		t.Fatal(err)
	}
	pending := w.register(t, provider.RolePharmacy, false)
	w.consentFor(t, rejected.ID)
	w.consentFor(t, pending.ID)

	for _, id := range []uuid.UUID{rejected.ID, pending.ID, uuid.New()} {
		if _, err := w.gate.Authorize(ctx, id, w.patient.ID); !errors.Is(err, ErrProviderNotVerified) {
			t.Errorf("provider %s: expected ErrProviderNotVerified, got %v", id, err)
		}
	}
}

func TestAuthorize_NoConsent(t *testing.T) {
	w := newWorld(t, auditlog.NewMemoryStore())
	p := w.register(t, provider.RoleDoctor, true)
	ctx := context.Background()

	if _, err := w.gate.Authorize(ctx, p.ID, w.patient.ID); !errors.Is(err, ErrNoValidConsent) {
		t.Errorf("no session: expected ErrNoValidConsent, got %v", err)
	}

	w.consent.Issue(ctx, p.ID, w.patient.ID)
	if _, err := w.gate.Authorize(ctx, p.ID, w.patient.ID); !errors.Is(err, ErrNoValidConsent) {
		t.Errorf("unverified session: expected ErrNoValidConsent, got %v", err)
	}
}

func TestAuthorize_GraceWindow(t *testing.T) {
	w := newWorld(t, auditlog.NewMemoryStore())
	p := w.register(t, provider.RoleDoctor, true)
	w.consentFor(t, p.ID)

	w.clock = w.clock.Add(12*time.Minute + time.Second)
	if _, err := w.gate.Authorize(context.Background(), p.ID, w.patient.ID); !errors.Is(err, ErrNoValidConsent) {
		t.Errorf("expected ErrNoValidConsent past grace, got %v", err)
	}
}

func TestAuthorize_ConcurrentSingleGrant(t *testing.T) {
	w := newWorld(t, auditlog.NewMemoryStore())
	p := w.register(t, provider.RoleDoctor, true)
	w.consentFor(t, p.ID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	grants := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.gate.Authorize(context.Background(), p.ID, w.patient.ID); err == nil {
				mu.Lock()
				grants++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if grants != 1 {
		t.Errorf("expected exactly one grant, got %d", grants)
	}
	if n := len(w.authorizeEvents(t)); n != 20 {
		t.Errorf("expected 20 audit events, got %d", n)
	}
}

func TestAuthorize_FailsClosedWhenAuditUnavailable(t *testing.T) {
	w := newWorld(t, failingAuditStore{Store: auditlog.NewMemoryStore()})
	p := w.register(t, provider.RoleDoctor, true)
	w.consentFor(t, p.ID)

	grant, err := w.gate.Authorize(context.Background(), p.ID, w.patient.ID)
	if err == nil || grant != nil {
		t.Fatal("expected grant to be refused when audit append fails")
	}
	if errors.Is(err, ErrNoValidConsent) || errors.Is(err, ErrProviderNotVerified) {
		t.Errorf("expected an internal error, got %v", err)
	}
}

func TestAuthorize_FailedGrantKeepsConsent(t *testing.T) {
	store := &flakyAuditStore{Store: auditlog.NewMemoryStore()}
	w := newWorld(t, store)
	p := w.register(t, provider.RoleDoctor, true)
	w.consentFor(t, p.ID)
	ctx := context.Background()

	store.failures = 1
	if _, err := w.gate.Authorize(ctx, p.ID, w.patient.ID); err == nil {
		t.Fatal("expected the grant to be refused while audit is down")
	}

	grant, err := w.gate.Authorize(ctx, p.ID, w.patient.ID)
	if err != nil {
		t.Fatalf("expected the retry to be granted, got %v", err)
	}
	if grant.Token == "" {
		t.Error("expected a token on retry")
	}
	events := w.authorizeEvents(t)
	if len(events) != 1 || events[0].Decision != auditlog.DecisionGranted {
		t.Errorf("expected one persisted grant, got %d events", len(events))
	}
	if _, err := w.gate.Authorize(ctx, p.ID, w.patient.ID); !errors.Is(err, ErrNoValidConsent) {
		t.Errorf("expected ErrNoValidConsent after the grant, got %v", err)
	}
}

func TestAuthorize_MintFailureKeepsConsent(t *testing.T) {
	w := newWorld(t, auditlog.NewMemoryStore())
	p := w.register(t, provider.RoleDoctor, true)
	w.consentFor(t, p.ID)
	ctx := context.Background()

	broken := NewGate(w.gate.onboarding, w.sessions, w.gate.audit, NewTokenIssuer(nil, 0), zerolog.Nop())
	if _, err := broken.Authorize(ctx, p.ID, w.patient.ID); err == nil {
		t.Fatal("expected mint failure")
	}

	if _, err := w.gate.Authorize(ctx, p.ID, w.patient.ID); err != nil {
		t.Errorf("expected the session to survive a mint failure, got %v", err)
	}
}

func TestScenarioC_ExpiredCodeNoGrant(t *testing.T) {
	w := newWorld(t, auditlog.NewMemoryStore())
	p := w.register(t, provider.RoleDoctor, true)
	ctx := context.Background()
	w.consent.Issue(ctx, p.ID, w.patient.ID)

	w.clock = w.clock.Add(10*time.Minute + time.Second)
	if err := w.consent.Verify(ctx, p.ID, w.patient.ID, w.notifier.last()); !errors.Is(err, consent.ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
	if _, err := w.gate.Authorize(ctx, p.ID, w.patient.ID); !errors.Is(err, ErrNoValidConsent) {
		t.Errorf("expected ErrNoValidConsent, got %v", err)
	}
}
