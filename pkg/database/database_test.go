package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", SQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplySQLiteOptimizations(db); err != nil {
		t.Fatalf("Failed to apply optimizations: %v", err)
	}
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Driver != SQLite {
		t.Errorf("Expected driver sqlite, got %s", config.Driver)
	}
	if config.DatabasePath != "./data/campushub.db" {
		t.Errorf("Expected DatabasePath './data/campushub.db', got %s", config.DatabasePath)
	}
	if config.MaxConnections != 10 {
		t.Errorf("Expected MaxConnections 10, got %d", config.MaxConnections)
	}
	if config.ConnMaxLifetime != time.Hour {
		t.Errorf("Expected ConnMaxLifetime 1 hour, got %v", config.ConnMaxLifetime)
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "empty database path", mutate: func(c *Config) { c.DatabasePath = "" }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Driver = Postgres }, wantErr: true},
		{name: "postgres with dsn", mutate: func(c *Config) { c.Driver = Postgres; c.DSN = "postgres://localhost/campus" }},
		{name: "unknown driver", mutate: func(c *Config) { c.Driver = "mysql" }, wantErr: true},
		{name: "zero max connections", mutate: func(c *Config) { c.MaxConnections = 0 }, wantErr: true},
		{name: "zero lifetime", mutate: func(c *Config) { c.ConnMaxLifetime = 0 }, wantErr: true},
		{name: "zero idle time", mutate: func(c *Config) { c.ConnMaxIdleTime = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMigrationManager_LoadsBothDialectsInOrder(t *testing.T) {
	for _, dialect := range []Dialect{SQLite, Postgres} {
		m := &MigrationManager{dialect: dialect, files: migrationFiles}
		migrations, err := m.loadMigrations()
		if err != nil {
			t.Fatalf("%s: failed to load migrations: %v", dialect, err)
		}
		if len(migrations) != 2 {
			t.Fatalf("%s: expected 2 migrations, got %d", dialect, len(migrations))
		}
		if migrations[0].Version != "001" || migrations[1].Version != "002" {
			t.Errorf("%s: expected versions 001,002 got %s,%s", dialect, migrations[0].Version, migrations[1].Version)
		}
		if migrations[0].Description != "initial_schema" {
			t.Errorf("%s: expected description initial_schema, got %s", dialect, migrations[0].Description)
		}
	}
}

func TestMigrationManager_ApplyIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m := NewMigrationManager(db, SQLite)

	if err := m.ApplyMigrations(ctx); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}
	if err := m.ApplyMigrations(ctx); err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}

	versions, err := m.AppliedVersions(ctx)
	if err != nil {
		t.Fatalf("AppliedVersions failed: %v", err)
	}
	if strings.Join(versions, ",") != "001,002" {
		t.Errorf("Expected versions 001,002, got %v", versions)
	}
}

func TestSchemaValidator_AcceptsMigratedDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := NewMigrationManager(db, SQLite).ApplyMigrations(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if err := NewSchemaValidator(db).Validate(ctx); err != nil {
		t.Errorf("Expected migrated schema to validate, got %v", err)
	}

	// Probe rows from the constraint check must not survive.
	var users int
	if err := db.QueryRow("SELECT COUNT(*) FROM users").Scan(&users); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if users != 0 {
		t.Errorf("Expected no leftover probe users, got %d", users)
	}
}

func TestSchemaValidator_RejectsEmptyDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := NewSchemaValidator(db).ValidateTablesExist(context.Background()); err == nil {
		t.Error("Expected error for database without tables")
	}
}

func TestSplitStatements(t *testing.T) {
	script := "-- header\nCREATE TABLE a (x INT);\n\nCREATE INDEX i ON a(x);\n"
	stmts := splitStatements(script)
	if len(stmts) != 2 {
		t.Fatalf("Expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[0] != "CREATE TABLE a (x INT)" {
		t.Errorf("Unexpected first statement %q", stmts[0])
	}
}
