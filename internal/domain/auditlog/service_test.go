package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/platform/auth"
	"github.com/medportal/portal/internal/platform/middleware"
)

type failingStore struct{ Store }

func (failingStore) Append(context.Context, *Event) error { return errors.New("disk full") }

func TestRecorder_FillsDefaults(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, zerolog.Nop())
	at := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	rec.SetClock(func() time.Time { return at })

	ctx := middleware.WithRequestID(context.Background(), "req-7")
	ctx = auth.WithCaller(ctx, auth.Caller{UserID: "user-9"})
	provider, patient := uuid.New(), uuid.New()

	err := rec.Record(ctx, Event{
		Action:     ActionAuthorize,
		ProviderID: provider,
		PatientID:  patient,
		Decision:   DecisionDenied,
		Reason:     "NoValidConsent",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, total, _ := store.List(context.Background(), Filter{}, 10, 0)
	if total != 1 {
		t.Fatalf("expected 1 event, got %d", total)
	}
	e := events[0]
	if e.ID == uuid.Nil || !e.RecordedAt.Equal(at) {
		t.Errorf("expected id and timestamp to be stamped, got %+v", e)
	}
	if e.RequestID != "req-7" || e.ActorUserID != "user-9" {
		t.Errorf("expected request and actor from context, got %q / %q", e.RequestID, e.ActorUserID)
	}
}

func TestRecorder_MirrorsToLogOnStoreFailure(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(failingStore{NewMemoryStore()}, zerolog.New(&buf))

	err := rec.Record(context.Background(), Event{
		Action:   ActionAuthorize,
		Decision: DecisionGranted,
		Reason:   "ConsentConsumed",
	})
	if err == nil {
		t.Fatal("expected store failure to be returned")
	}
	if !strings.Contains(buf.String(), `"persisted":false`) {
		t.Errorf("expected unpersisted event in log, got %s", buf.String())
	}
}

type countingObserver struct{ seen []string }

func (o *countingObserver) ObserveDecision(action, decision, reason string) {
	o.seen = append(o.seen, action+"/"+decision+"/"+reason)
}

func TestRecorder_NotifiesObserverEvenWhenUnpersisted(t *testing.T) {
	obs := &countingObserver{}
	rec := NewRecorder(failingStore{NewMemoryStore()}, zerolog.Nop())
	rec.SetObserver(obs)

	rec.Record(context.Background(), Event{Action: ActionConsentVerify, Decision: DecisionDenied, Reason: "CodeMismatch"})
	if len(obs.seen) != 1 || obs.seen[0] != "consent.verify/denied/CodeMismatch" {
		t.Errorf("unexpected observations %v", obs.seen)
	}
}

func TestMemoryStore_ListFilterAndOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p1, p2, patient := uuid.New(), uuid.New(), uuid.New()
	base := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

	for i, p := range []uuid.UUID{p1, p2, p1} {
		store.Append(ctx, &Event{
			ID:         uuid.New(),
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
			Action:     ActionAuthorize,
			ProviderID: p,
			PatientID:  patient,
			Decision:   DecisionGranted,
		})
	}

	events, total, err := store.List(ctx, Filter{ProviderID: p1}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("expected 2 events for p1, got %d", total)
	}
	if !events[0].RecordedAt.After(events[1].RecordedAt) {
		t.Error("expected newest first")
	}

	page, total, _ := store.List(ctx, Filter{PatientID: patient}, 2, 2)
	if total != 3 || len(page) != 1 {
		t.Errorf("expected last page of 1 from 3, got %d of %d", len(page), total)
	}

	none, total, _ := store.List(ctx, Filter{Action: ActionConsentVerify}, 10, 0)
	if total != 0 || none != nil {
		t.Errorf("expected no verify events, got %d", total)
	}
}

func TestHandler_List(t *testing.T) {
	store := NewMemoryStore()
	h := NewHandler(NewRecorder(store, zerolog.Nop()))
	provider := uuid.New()
	store.Append(context.Background(), &Event{ID: uuid.New(), ProviderID: provider, Decision: DecisionDenied, RecordedAt: time.Now()})
	store.Append(context.Background(), &Event{ID: uuid.New(), ProviderID: uuid.New(), Decision: DecisionGranted, RecordedAt: time.Now()})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?provider_id="+provider.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Event `json:"data"`
		Total int     `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Data[0].ProviderID != provider {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandler_List_BadFilter(t *testing.T) {
	h := NewHandler(NewRecorder(NewMemoryStore(), zerolog.Nop()))
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?patient_id=nope", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.List(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
