// Package dbtest runs repository tests against a real Postgres. Tests are
// skipped unless DATABASE_URL points at a database the tests may create
// schemas in.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medportal/portal/internal/platform/db"
	"github.com/medportal/portal/migrations"
)

// Tenant is a freshly migrated tenant schema that is dropped when the test ends.
type Tenant struct {
	ID   string
	Pool *pgxpool.Pool
	t    testing.TB
}

// NewTenant connects to DATABASE_URL and creates a uniquely named tenant.
func NewTenant(t testing.TB) *Tenant {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, url, 24, 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	id := "test_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	if err := db.CreateTenantSchema(ctx, pool, id, migrations.Files); err != nil {
		pool.Close()
		t.Fatalf("create tenant %s: %v", id, err)
	}

	t.Cleanup(func() {
		if _, err := pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS tenant_%s CASCADE", id)); err != nil {
			t.Logf("drop tenant %s: %v", id, err)
		}
		pool.Close()
	})
	return &Tenant{ID: id, Pool: pool, t: t}
}

// Scope returns a context pinned to its own tenant connection. Concurrent
// callers each need their own scope.
func (tn *Tenant) Scope() context.Context {
	tn.t.Helper()
	ctx, release, err := db.TenantScope(context.Background(), tn.Pool, tn.ID)
	if err != nil {
		tn.t.Fatalf("tenant scope: %v", err)
	}
	tn.t.Cleanup(release)
	return ctx
}
