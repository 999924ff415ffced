package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "campushub/pkg/database"
	"campushub/pkg/interfaces"
	"campushub/pkg/types"
)

// SQLiteStore implements interfaces.Store on SQLite. Reads run concurrently on
// the connection pool; every write goes through a single writer goroutine.
type SQLiteStore struct {
	db           *sql.DB
	tracker      *tracker
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // protects closed
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewSQLiteStore opens the database at cfg.DatabasePath, applies migrations,
// validates the schema and starts the writer.
func NewSQLiteStore(ctx context.Context, cfg *dbconfig.Config, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbconfig.SQLiteDSN(cfg.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db, dbconfig.SQLite).ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	if err := dbconfig.NewSchemaValidator(db).Validate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	logger := opts.Logger.With().Str("component", "store").Str("driver", "sqlite").Logger()
	s := &SQLiteStore{
		db:           db,
		tracker:      &tracker{driver: "sqlite", timeout: opts.Timeout, logger: logger},
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	logger.Info().Str("path", cfg.DatabasePath).Msg("sqlite store ready")
	return s, nil
}

func (s *SQLiteStore) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			op.result <- op.operation(s.db)

		case <-s.shutdown:
			// Fail whatever was queued before Close took the lock.
			for {
				select {
				case op := <-s.writeChannel:
					op.result <- interfaces.ErrStoreClosed
				default:
					return
				}
			}
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (s *SQLiteStore) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}

	result := make(chan error, 1)
	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	case <-time.After(30 * time.Second):
		s.mu.RUnlock()
		return ErrWriteTimeout
	}

	return <-result
}

// GetDB returns the underlying database connection
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

// translateSQLiteError turns a foreign key failure into ErrNotFound: the
// referenced user or community no longer exists.
func translateSQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return fmt.Errorf("%w: referenced row does not exist", types.ErrNotFound)
	}
	return err
}

func nullableID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

// PersistMessage stores a community or direct message
func (s *SQLiteStore) PersistMessage(ctx context.Context, msg *types.Message) (err error) {
	ctx, op := s.tracker.start(ctx, "persist_message")
	defer op.end(&err)

	if err := msg.Scope.Validate(); err != nil {
		return err
	}

	msg.Status = types.MessageStatusApproved
	msg.CreatedAt = time.Now().UTC()
	msg.IsRead = false

	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO messages (community_id, receiver_id, sender_id, content, is_anonymous, is_read, status, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		`,
			nullableID(msg.Scope.CommunityID),
			nullableID(msg.Scope.ReceiverID),
			msg.SenderID,
			msg.Content,
			msg.IsAnonymous,
			msg.Status,
			msg.CreatedAt,
		)
		if err != nil {
			return translateSQLiteError(fmt.Errorf("failed to insert message: %w", err))
		}
		msg.ID, err = res.LastInsertId()
		return err
	})
}

const sqliteMessageColumns = `
	m.id, m.community_id, m.receiver_id, m.sender_id, COALESCE(u.name, ''),
	m.content, m.is_anonymous, m.is_read, m.status, m.created_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteMessage(row rowScanner) (*types.Message, error) {
	var msg types.Message
	var communityID, receiverID sql.NullInt64

	err := row.Scan(
		&msg.ID,
		&communityID,
		&receiverID,
		&msg.SenderID,
		&msg.SenderName,
		&msg.Content,
		&msg.IsAnonymous,
		&msg.IsRead,
		&msg.Status,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if communityID.Valid {
		msg.Scope = types.CommunityScope(communityID.Int64)
	} else {
		msg.Scope = types.DirectScope(receiverID.Int64)
	}
	return &msg, nil
}

// GetMessage retrieves a message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (msg *types.Message, err error) {
	ctx, op := s.tracker.start(ctx, "get_message")
	defer op.end(&err)

	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.id = ?
	`, id)

	msg, err = scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %d", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.Message{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// ListCommunityMessages returns a community's history in send order
func (s *SQLiteStore) ListCommunityMessages(ctx context.Context, communityID int64) (messages []*types.Message, err error) {
	ctx, op := s.tracker.start(ctx, "list_community_messages")
	defer op.end(&err)

	return s.queryMessages(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.community_id = ?
		ORDER BY m.id ASC
	`, communityID)
}

// ListDirectMessages returns the conversation between two users in send order
func (s *SQLiteStore) ListDirectMessages(ctx context.Context, userA, userB int64) (messages []*types.Message, err error) {
	ctx, op := s.tracker.start(ctx, "list_direct_messages")
	defer op.end(&err)

	return s.queryMessages(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE (m.sender_id = ? AND m.receiver_id = ?)
		   OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.id ASC
	`, userA, userB, userB, userA)
}

// DeleteMessages removes the caller's messages among ids within scope in a
// single statement and reports which ids were removed.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, ids []int64, senderID int64, scope types.Scope) (deleted []int64, err error) {
	ctx, op := s.tracker.start(ctx, "delete_messages")
	defer op.end(&err)

	if err := scope.Validate(); err != nil {
		return nil, err
	}
	ids = uniqueIDs(ids)
	deleted = []int64{}
	if len(ids) == 0 {
		return deleted, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, senderID)

	query := `DELETE FROM messages WHERE id IN (` + placeholders + `) AND sender_id = ?`
	if scope.Kind == types.ScopeCommunity {
		query += ` AND community_id = ?`
		args = append(args, scope.CommunityID)
	} else {
		query += ` AND receiver_id = ?`
		args = append(args, scope.ReceiverID)
	}
	query += ` RETURNING id`

	err = s.executeWrite(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			deleted = append(deleted, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// readFilterClause returns the WHERE clause shared by MarkMessagesRead and CountUnread.
func readFilterClause(f types.ReadFilter) (string, []interface{}) {
	if f.Kind == types.ScopeCommunity {
		return `community_id = ? AND sender_id != ? AND is_read = 0`, []interface{}{f.CommunityID, f.ViewerID}
	}
	return `receiver_id = ? AND sender_id = ? AND is_read = 0`, []interface{}{f.ViewerID, f.CounterpartID}
}

// MarkMessagesRead flips unread messages addressed to the viewer
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, f types.ReadFilter) (affected int64, err error) {
	ctx, op := s.tracker.start(ctx, "mark_messages_read")
	defer op.end(&err)

	if err := f.Validate(); err != nil {
		return 0, err
	}
	where, args := readFilterClause(f)

	err = s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE `+where, args...)
		if err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// CountUnread counts unread messages addressed to the viewer
func (s *SQLiteStore) CountUnread(ctx context.Context, f types.ReadFilter) (count int64, err error) {
	ctx, op := s.tracker.start(ctx, "count_unread")
	defer op.end(&err)

	if err := f.Validate(); err != nil {
		return 0, err
	}
	where, args := readFilterClause(f)

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+where, args...).Scan(&count)
	return count, err
}

// GetUser retrieves a user by ID
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (user *types.User, err error) {
	ctx, op := s.tracker.start(ctx, "get_user")
	defer op.end(&err)

	var u types.User
	err = s.db.QueryRowContext(ctx, `SELECT id, name, role FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %d", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// GetCommunity retrieves a community together with its course teacher
func (s *SQLiteStore) GetCommunity(ctx context.Context, id int64) (community *types.Community, err error) {
	ctx, op := s.tracker.start(ctx, "get_community")
	defer op.end(&err)

	return s.getCommunity(ctx, id)
}

func (s *SQLiteStore) getCommunity(ctx context.Context, id int64) (*types.Community, error) {
	var c types.Community
	var teacherID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.course_id, c.name, co.teacher_id
		FROM communities c
		JOIN courses co ON co.id = c.course_id
		WHERE c.id = ?
	`, id).Scan(&c.ID, &c.CourseID, &c.Name, &teacherID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: community %d", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query community: %w", err)
	}
	c.TeacherID = teacherID.Int64
	return &c, nil
}

// CommunityRecipients returns enrolled students plus the course teacher
func (s *SQLiteStore) CommunityRecipients(ctx context.Context, communityID int64) (ids []int64, err error) {
	ctx, op := s.tracker.start(ctx, "community_recipients")
	defer op.end(&err)

	community, err := s.getCommunity(ctx, communityID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT student_id FROM enrollments WHERE course_id = ? ORDER BY student_id`, community.CourseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if community.TeacherID > 0 {
		ids = append(ids, community.TeacherID)
	}
	return uniqueIDs(ids), nil
}

// UsersByRole lists the ids of users holding role
func (s *SQLiteStore) UsersByRole(ctx context.Context, role string) (ids []int64, err error) {
	ctx, op := s.tracker.start(ctx, "users_by_role")
	defer op.end(&err)

	if !types.IsValidRole(role) {
		return nil, types.ErrInvalidRole
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE role = ? ORDER BY id`, role)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids = []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PersistNotification stores a notification for an existing user
func (s *SQLiteStore) PersistNotification(ctx context.Context, n *types.Notification) (err error) {
	ctx, op := s.tracker.start(ctx, "persist_notification")
	defer op.end(&err)

	if err := n.Validate(); err != nil {
		return err
	}
	n.Type = types.NotificationTypeOrDefault(n.Type)
	n.IsRead = false
	n.CreatedAt = time.Now().UTC()

	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO notifications (user_id, sender_id, title, message, type, is_read, course_id, target_role, created_at)
			SELECT ?, ?, ?, ?, ?, 0, ?, ?, ?
			WHERE EXISTS (SELECT 1 FROM users WHERE id = ?)
		`,
			n.UserID, n.SenderID, n.Title, n.Message, n.Type, n.CourseID, n.TargetRole, n.CreatedAt,
			n.UserID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("%w: user %d", types.ErrNotFound, n.UserID)
		}
		n.ID, err = res.LastInsertId()
		return err
	})
}

// ListNotifications returns a user's notifications, newest first
func (s *SQLiteStore) ListNotifications(ctx context.Context, userID int64, unreadOnly bool) (list []*types.Notification, err error) {
	ctx, op := s.tracker.start(ctx, "list_notifications")
	defer op.end(&err)

	query := `
		SELECT id, user_id, sender_id, title, message, type, is_read, created_at, course_id, target_role
		FROM notifications
		WHERE user_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	list = []*types.Notification{}
	for rows.Next() {
		var n types.Notification
		var senderID, courseID sql.NullInt64
		var targetRole sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &senderID, &n.Title, &n.Message, &n.Type,
			&n.IsRead, &n.CreatedAt, &courseID, &targetRole); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		if senderID.Valid {
			n.SenderID = &senderID.Int64
		}
		if courseID.Valid {
			n.CourseID = &courseID.Int64
		}
		if targetRole.Valid {
			n.TargetRole = &targetRole.String
		}
		list = append(list, &n)
	}
	return list, rows.Err()
}

// CountUnreadNotifications counts a user's unread notifications
func (s *SQLiteStore) CountUnreadNotifications(ctx context.Context, userID int64) (count int64, err error) {
	ctx, op := s.tracker.start(ctx, "count_unread_notifications")
	defer op.end(&err)

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID).Scan(&count)
	return count, err
}

// MarkNotificationRead marks one of the user's notifications as read
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id, userID int64) (err error) {
	ctx, op := s.tracker.start(ctx, "mark_notification_read")
	defer op.end(&err)

	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return fmt.Errorf("failed to mark notification read: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("%w: notification %d", types.ErrNotFound, id)
		}
		return nil
	})
}

// MarkAllNotificationsRead marks every unread notification of the user as read
func (s *SQLiteStore) MarkAllNotificationsRead(ctx context.Context, userID int64) (affected int64, err error) {
	ctx, op := s.tracker.start(ctx, "mark_all_notifications_read")
	defer op.end(&err)

	err = s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
		if err != nil {
			return fmt.Errorf("failed to mark notifications read: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// HealthCheck validates database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) (err error) {
	ctx, op := s.tracker.start(ctx, "health_check")
	defer op.end(&err)

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
