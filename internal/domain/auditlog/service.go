package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/platform/auth"
	"github.com/medportal/portal/internal/platform/middleware"
)

// Recorder stamps and appends gate decisions. Every event is mirrored to the
// structured log, including ones the store failed to persist.
type Recorder struct {
	store    Store
	logger   zerolog.Logger
	now      func() time.Time
	observer Observer
}

// Observer is told about every recorded decision, persisted or not.
type Observer interface {
	ObserveDecision(action, decision, reason string)
}

func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With().Str("type", "gate_audit").Logger(),
		now:    time.Now,
	}
}

func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Recorder) SetObserver(o Observer) {
	r.observer = o
}

// Record appends one event. ID, timestamp, request id and acting user are
// filled from ctx when unset.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = r.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = middleware.RequestIDFromContext(ctx)
	}
	if e.ActorUserID == "" {
		e.ActorUserID = auth.UserIDFromContext(ctx)
	}

	err := r.store.Append(ctx, &e)

	evt := r.logger.Info()
	if e.Decision == DecisionDenied {
		evt = r.logger.Warn()
	}
	if err != nil {
		evt = r.logger.Error().Err(err)
	}
	evt.
		Str("audit_id", e.ID.String()).
		Str("action", e.Action).
		Str("provider_id", e.ProviderID.String()).
		Str("patient_id", e.PatientID.String()).
		Str("decision", string(e.Decision)).
		Str("reason", e.Reason).
		Str("request_id", e.RequestID).
		Bool("persisted", err == nil).
		Msg("gate decision")

	if r.observer != nil {
		r.observer.ObserveDecision(e.Action, string(e.Decision), e.Reason)
	}
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (r *Recorder) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	return r.store.List(ctx, f, limit, offset)
}
