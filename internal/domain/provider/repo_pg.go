package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medportal/portal/internal/platform/db"
)

type providerRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &providerRepoPG{pool: pool}
}

func (r *providerRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const providerColumns = `id, role, name, contact_email, license_number, status,
	verified_at, reviewed_at, reviewed_by, review_note, created_at, updated_at`

func (r *providerRepoPG) Create(ctx context.Context, p *Provider) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO provider (
			id, role, name, contact_email, license_number, status,
			verified_at, reviewed_at, reviewed_by, review_note, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, string(p.Role), p.Name, p.ContactEmail, p.LicenseNumber, string(p.Status),
		p.VerifiedAt, p.ReviewedAt, p.ReviewedBy, p.ReviewNote, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (r *providerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return r.scanProvider(r.conn(ctx).QueryRow(ctx,
		`SELECT `+providerColumns+` FROM provider WHERE id = $1`, id))
}

func (r *providerRepoPG) Update(ctx context.Context, id uuid.UUID, fn func(p *Provider) (bool, error)) (*Provider, error) {
	var out *Provider
	err := db.RunInTx(ctx, r.pool, func(tx pgx.Tx) error {
		p, err := r.scanProvider(tx.QueryRow(ctx,
			`SELECT `+providerColumns+` FROM provider WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		changed, err := fn(p)
		if err != nil {
			return err
		}
		out = p
		if !changed {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE provider SET
				status = $2, verified_at = $3, reviewed_at = $4,
				reviewed_by = $5, review_note = $6, updated_at = $7
			WHERE id = $1`,
			p.ID, string(p.Status), p.VerifiedAt, p.ReviewedAt,
			p.ReviewedBy, p.ReviewNote, p.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *providerRepoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Provider, int, error) {
	var args []interface{}
	countQuery := `SELECT COUNT(*) FROM provider`
	query := `SELECT ` + providerColumns + ` FROM provider`

	if status != "" {
		countQuery += ` WHERE status = $1`
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	idx := len(args) + 1
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := r.scanProvider(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (r *providerRepoPG) scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	var role, status string
	err := row.Scan(
		&p.ID, &role, &p.Name, &p.ContactEmail, &p.LicenseNumber, &status,
		&p.VerifiedAt, &p.ReviewedAt, &p.ReviewedBy, &p.ReviewNote, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Role = Role(role)
	p.Status = Status(status)
	return &p, nil
}

// queryable abstracts pgxpool.Pool, pgxpool.Conn and pgx.Tx for tenant-scoped queries.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
