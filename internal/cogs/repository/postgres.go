package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/lotledger/cogs-backend/pkg/database"
	"github.com/lotledger/cogs-backend/pkg/errors"
)

// Postgres is the production Store implementation. Tenant isolation is
// enforced twice: the scoped wrapper rejects mismatched entities before I/O,
// and every statement runs under RLS policies keyed on app.current_tenant.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates the Postgres-backed store.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// InTenant runs fn inside one RLS-scoped transaction. This is the unit of
// atomicity for the run commit block: either every write inside fn commits
// or none do.
func (s *Postgres) InTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	return s.db.WithTenantRLS(ctx, tenantID, fn)
}

// AcquireTenantLock takes a session-level advisory lock keyed on the tenant
// id. The lock is held on a dedicated connection pinned until Release, so it
// survives across the coordinator's statements and transactions.
func (s *Postgres) AcquireTenantLock(ctx context.Context, tenantID string) (TenantLock, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to pin connection for tenant lock: %w", err)
	}

	var acquired bool
	key := "cogs:" + tenantID
	if err := conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire tenant lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, errors.ConcurrentRunInProgress(tenantID)
	}

	return &pgTenantLock{conn: conn, key: key}, nil
}

type pgTenantLock struct {
	conn *sqlx.Conn
	key  string
}

// Release unlocks and returns the pinned connection to the pool. Closing the
// connection would release the lock anyway; the explicit unlock keeps the
// pool connection reusable immediately.
func (l *pgTenantLock) Release(ctx context.Context) error {
	var released bool
	err := l.conn.QueryRowxContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key).Scan(&released)
	closeErr := l.conn.Close()
	if err != nil {
		return fmt.Errorf("failed to release tenant lock: %w", err)
	}
	if !released {
		return fmt.Errorf("tenant lock %s was not held at release", l.key)
	}
	return closeErr
}
