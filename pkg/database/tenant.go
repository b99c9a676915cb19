package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type txKey struct{}

// WithTenantRLS executes a function with RLS-based tenant isolation.
// This is the isolation mechanism for pooled multi-tenancy: every cogs table
// carries a tenant_id column and an RLS policy of the form
// USING (tenant_id = current_setting('app.current_tenant')::uuid).
//
// How it works:
//  1. Starts a transaction
//  2. Sets "SET LOCAL app.current_tenant = '<tenant-uuid>'"
//  3. RLS policies filter rows automatically
//  4. Commits the transaction (auto-cleanup of session variables)
//
// SET LOCAL is scoped to the transaction, so even with connection pooling
// the next request gets clean state, and WITH CHECK prevents inserting rows
// for the wrong tenant. The transaction is stored in the context; the DB
// query methods route to it.
func (db *DB) WithTenantRLS(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	return db.Transaction(ctx, func(tx *sqlx.Tx) error {
		// SET LOCAL doesn't support parameterized queries ($1). This is safe
		// because tenantID is a UUID validated upstream, not raw user input.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL app.current_tenant = '%s'", tenantID)); err != nil {
			return fmt.Errorf("failed to set app.current_tenant to %s: %w", tenantID, err)
		}

		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx)
	})
}

// getTx extracts transaction from context if present
func (db *DB) getTx(ctx context.Context) *sqlx.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return nil
}
