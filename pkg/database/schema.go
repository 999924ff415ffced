package database

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaValidator checks a SQLite database against the shape the store expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and returns the first failure.
func (v *SchemaValidator) Validate(ctx context.Context) error {
	checks := []func(context.Context) error{
		v.ValidateTablesExist,
		v.ValidateTableStructure,
		v.ValidateIndexes,
		v.ValidateConstraints,
	}
	for _, check := range checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist(ctx context.Context) error {
	requiredTables := map[string]string{
		"users":             "Users and roles",
		"courses":           "Course ownership",
		"enrollments":       "Course membership",
		"communities":       "Course chat rooms",
		"messages":          "Community and direct messages",
		"notifications":     "User notifications",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists(ctx, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies the declared column types of the engine's tables.
func (v *SchemaValidator) ValidateTableStructure(ctx context.Context) error {
	messageColumns := map[string]string{
		"id":           "INTEGER",
		"community_id": "INTEGER",
		"receiver_id":  "INTEGER",
		"sender_id":    "INTEGER",
		"content":      "TEXT",
		"is_anonymous": "BOOLEAN",
		"is_read":      "BOOLEAN",
		"status":       "TEXT",
		"created_at":   "DATETIME",
	}
	if err := v.validateColumns(ctx, "messages", messageColumns); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}

	notificationColumns := map[string]string{
		"id":          "INTEGER",
		"user_id":     "INTEGER",
		"sender_id":   "INTEGER",
		"title":       "TEXT",
		"message":     "TEXT",
		"type":        "TEXT",
		"is_read":     "BOOLEAN",
		"course_id":   "INTEGER",
		"target_role": "TEXT",
		"created_at":  "DATETIME",
	}
	if err := v.validateColumns(ctx, "notifications", notificationColumns); err != nil {
		return fmt.Errorf("notifications table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes(ctx context.Context) error {
	requiredIndexes := map[string]string{
		"idx_users_role":               "Role broadcasts",
		"idx_enrollments_student":      "Membership lookups",
		"idx_communities_course":       "Community to course joins",
		"idx_messages_community":       "Community history",
		"idx_messages_direct":          "Direct conversations",
		"idx_messages_receiver_unread": "Direct unread counts",
		"idx_notifications_user":       "Notification polling",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists(ctx, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies foreign keys are on and that a message cannot
// carry both or neither scope column. Probe rows are rolled back.
func (v *SchemaValidator) ValidateConstraints(ctx context.Context) error {
	conn, err := v.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	var fk int
	if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		return fmt.Errorf("failed to read foreign_keys pragma: %w", err)
	}
	if fk != 1 {
		return fmt.Errorf("foreign key enforcement is disabled")
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "INSERT INTO users (name, role) VALUES ('schema-probe', 'student')")
	if err != nil {
		return fmt.Errorf("failed to insert probe user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (sender_id, content) VALUES (?, 'probe')", userID)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: message scope")
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (sender_id, community_id, content) VALUES (?, -1, 'probe')", userID)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.community_id")
	}

	return nil
}

func (v *SchemaValidator) exists(ctx context.Context, kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(ctx context.Context, tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
