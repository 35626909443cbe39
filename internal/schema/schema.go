// Package schema holds the database DDL shared by the API and worker services
package schema

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var DDL string

// Apply creates the tables and indexes when they do not exist yet
func Apply(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, DDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
