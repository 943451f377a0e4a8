package auditlog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medportal/portal/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const eventColumns = `id, recorded_at, action, provider_id, patient_id, decision, reason,
	COALESCE(request_id, ''), COALESCE(actor_user_id, '')`

func (s *storePG) Append(ctx context.Context, e *Event) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO audit_event (
			id, recorded_at, action, provider_id, patient_id,
			decision, reason, request_id, actor_user_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))`,
		e.ID, e.RecordedAt, e.Action, e.ProviderID, e.PatientID,
		string(e.Decision), e.Reason, e.RequestID, e.ActorUserID,
	)
	return err
}

func (s *storePG) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.ProviderID != uuid.Nil {
		where += fmt.Sprintf(` AND provider_id = $%d`, idx)
		args = append(args, f.ProviderID)
		idx++
	}
	if f.PatientID != uuid.Nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, f.PatientID)
		idx++
	}
	if f.Action != "" {
		where += fmt.Sprintf(` AND action = $%d`, idx)
		args = append(args, f.Action)
		idx++
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_event`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + eventColumns + ` FROM audit_event` + where +
		fmt.Sprintf(` ORDER BY recorded_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var decision string
		if err := rows.Scan(
			&e.ID, &e.RecordedAt, &e.Action, &e.ProviderID, &e.PatientID,
			&decision, &e.Reason, &e.RequestID, &e.ActorUserID,
		); err != nil {
			return nil, 0, err
		}
		e.Decision = Decision(decision)
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
