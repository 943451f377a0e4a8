package consent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medportal/portal/internal/platform/db"
)

// StorePG keeps sessions in the tenant's consent_session table. Pair
// operations lock the pair's current row with SELECT ... FOR UPDATE; Issue
// additionally takes a transaction-scoped advisory lock on the pair so two
// first-time issues cannot both insert.
type StorePG struct {
	pool *pgxpool.Pool
	opts StoreOptions
}

func NewStorePG(pool *pgxpool.Pool, opts StoreOptions) *StorePG {
	return &StorePG{pool: pool, opts: opts.withDefaults()}
}

func (s *StorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const sessionColumns = `id, provider_id, patient_id, code, issued_at, expires_at,
	attempts, max_attempts, verified, verified_at, consumed, consumed_at, superseded`

func (s *StorePG) Issue(ctx context.Context, providerID, patientID uuid.UUID, code string, ttl time.Duration) (*Session, error) {
	sess := newSession(providerID, patientID, code, ttl, s.opts.MaxAttempts, s.opts.Now())
	err := db.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			providerID.String()+":"+patientID.String()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE consent_session SET superseded = TRUE
			WHERE provider_id = $1 AND patient_id = $2 AND NOT superseded`,
			providerID, patientID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO consent_session (
				id, provider_id, patient_id, code, issued_at, expires_at,
				attempts, max_attempts, verified, consumed, superseded
			) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, FALSE, FALSE, FALSE)`,
			sess.ID, sess.ProviderID, sess.PatientID, sess.Code,
			sess.IssuedAt, sess.ExpiresAt, sess.MaxAttempts,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *StorePG) Get(ctx context.Context, providerID, patientID uuid.UUID) (*Session, error) {
	return scanSession(s.conn(ctx).QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM consent_session
		WHERE provider_id = $1 AND patient_id = $2 AND NOT superseded`,
		providerID, patientID))
}

// withLockedSession loads the pair's current session under a row lock, lets
// fn mutate it and writes the mutable columns back.
func (s *StorePG) withLockedSession(ctx context.Context, providerID, patientID uuid.UUID, fn func(sess *Session) bool) error {
	return db.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		sess, err := scanSession(tx.QueryRow(ctx, `
			SELECT `+sessionColumns+` FROM consent_session
			WHERE provider_id = $1 AND patient_id = $2 AND NOT superseded
			FOR UPDATE`, providerID, patientID))
		if err != nil {
			return err
		}
		if !fn(sess) {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE consent_session SET
				attempts = $2, verified = $3, verified_at = $4,
				consumed = $5, consumed_at = $6
			WHERE id = $1`,
			sess.ID, sess.Attempts, sess.Verified, sess.VerifiedAt,
			sess.Consumed, sess.ConsumedAt,
		)
		return err
	})
}

func (s *StorePG) RecordAttempt(ctx context.Context, providerID, patientID uuid.UUID, code string) (AttemptResult, error) {
	var res AttemptResult
	err := s.withLockedSession(ctx, providerID, patientID, func(sess *Session) bool {
		res = sess.recordAttempt(code, s.opts.Now())
		return true
	})
	if err != nil {
		return AttemptResult{}, err
	}
	return res, nil
}

func (s *StorePG) Consume(ctx context.Context, providerID, patientID uuid.UUID) (bool, error) {
	return s.ConsumeWith(ctx, providerID, patientID, nil)
}

// ConsumeWith runs commit inside the transaction that holds the session row
// lock, so work commit does through the context rolls back with the
// consumption.
func (s *StorePG) ConsumeWith(ctx context.Context, providerID, patientID uuid.UUID, commit func(ctx context.Context) error) (bool, error) {
	var ok bool
	err := db.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		sess, err := scanSession(tx.QueryRow(ctx, `
			SELECT `+sessionColumns+` FROM consent_session
			WHERE provider_id = $1 AND patient_id = $2 AND NOT superseded
			FOR UPDATE`, providerID, patientID))
		if err != nil {
			return err
		}
		now := s.opts.Now()
		if !sess.consumable(now, s.opts.Grace) {
			return nil
		}
		if commit != nil {
			if err := commit(db.ContextWithTx(ctx, tx)); err != nil {
				return err
			}
		}
		sess.consume(now, s.opts.Grace)
		if _, err := tx.Exec(ctx, `
			UPDATE consent_session SET consumed = TRUE, consumed_at = $2
			WHERE id = $1`, sess.ID, sess.ConsumedAt); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *StorePG) Sweep(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.Grace)
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM consent_session WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.ProviderID, &sess.PatientID, &sess.Code, &sess.IssuedAt, &sess.ExpiresAt,
		&sess.Attempts, &sess.MaxAttempts, &sess.Verified, &sess.VerifiedAt,
		&sess.Consumed, &sess.ConsumedAt, &sess.Superseded,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
