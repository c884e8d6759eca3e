package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one ordered schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns all schema migrations in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create key_metadata table",
			SQL: `CREATE TABLE IF NOT EXISTS key_metadata (
				id UUID PRIMARY KEY,
				algorithm VARCHAR(50) NOT NULL,
				size INT NOT NULL,
				purposes JSONB NOT NULL,
				classification VARCHAR(50) NOT NULL,
				compliance JSONB,
				state VARCHAR(50) NOT NULL,
				hsm_provider VARCHAR(100),
				hsm_handle VARCHAR(255),
				rotation JSONB,
				owner VARCHAR(255) NOT NULL,
				approvers JSONB,
				created_at TIMESTAMP NOT NULL,
				expires_at TIMESTAMP,
				last_used_at TIMESTAMP,
				revoked_reason TEXT
			)`,
		},
		{
			Version:     2,
			Description: "Create audit_chains table",
			SQL: `CREATE TABLE IF NOT EXISTS audit_chains (
				id UUID PRIMARY KEY,
				start_hash VARCHAR(64) NOT NULL,
				end_hash VARCHAR(64) NOT NULL,
				sealed BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP NOT NULL,
				sealed_at TIMESTAMP,
				events JSONB NOT NULL
			)`,
		},
		{
			Version:     3,
			Description: "Create role_assignments table",
			SQL: `CREATE TABLE IF NOT EXISTS role_assignments (
				id UUID PRIMARY KEY,
				user_id VARCHAR(255) NOT NULL,
				role VARCHAR(100) NOT NULL,
				assigned_by VARCHAR(255) NOT NULL,
				assigned_at TIMESTAMP NOT NULL,
				expires_at TIMESTAMP,
				constraints JSONB,
				active BOOLEAN NOT NULL DEFAULT TRUE
			)`,
		},
		{
			Version:     4,
			Description: "Create access_policies table",
			SQL: `CREATE TABLE IF NOT EXISTS access_policies (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				resource_type VARCHAR(100) NOT NULL,
				conditions JSONB NOT NULL,
				effect VARCHAR(10) NOT NULL,
				priority INT NOT NULL DEFAULT 0
			)`,
		},
		{
			Version:     5,
			Description: "Create classifications table",
			SQL: `CREATE TABLE IF NOT EXISTS classifications (
				subject_id VARCHAR(255) PRIMARY KEY,
				classification VARCHAR(50) NOT NULL,
				sensitivity VARCHAR(50) NOT NULL,
				compliance JSONB,
				patterns JSONB,
				confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
				protection JSONB NOT NULL,
				retention JSONB NOT NULL,
				classified_by VARCHAR(255),
				classified_at TIMESTAMP NOT NULL,
				justification TEXT
			)`,
		},
		{
			Version:     6,
			Description: "Create indexes",
			SQL: `CREATE INDEX IF NOT EXISTS idx_key_metadata_state ON key_metadata(state);
				  CREATE INDEX IF NOT EXISTS idx_key_metadata_owner ON key_metadata(owner);
				  CREATE INDEX IF NOT EXISTS idx_role_assignments_user ON role_assignments(user_id);
				  CREATE INDEX IF NOT EXISTS idx_access_policies_resource ON access_policies(resource_type);
				  CREATE INDEX IF NOT EXISTS idx_classifications_class ON classifications(classification)`,
		},
		{
			Version:     7,
			Description: "Create migrations tracking table",
			SQL: `CREATE TABLE IF NOT EXISTS schema_migrations (
				version INT PRIMARY KEY,
				applied_at TIMESTAMP NOT NULL DEFAULT NOW()
			)`,
		},
	}
}

// RunMigrations executes all pending migrations, recording each applied
// version in schema_migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range Migrations() {
		var exists bool
		err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration status: %w", err)
		}
		if exists {
			continue
		}

		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}
