package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	dbconfig "campushub/pkg/database"
	"campushub/pkg/types"
)

// foreign_key_violation
const pgForeignKeyViolation = "23503"

// PostgresStore implements interfaces.Store on a pgx connection pool.
type PostgresStore struct {
	pool    *pgxpool.Pool
	sqlDB   *sql.DB // migrations only
	tracker *tracker
}

// NewPostgresStore creates a PostgreSQL store with a connection pool and
// applies the embedded migrations.
func NewPostgresStore(ctx context.Context, cfg *dbconfig.Config, opts Options) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	if err := dbconfig.NewMigrationManager(sqlDB, dbconfig.Postgres).ApplyMigrations(ctx); err != nil {
		_ = sqlDB.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	logger := opts.Logger.With().Str("component", "store").Str("driver", "postgres").Logger()
	logger.Info().Msg("connected to PostgreSQL")

	return &PostgresStore{
		pool:    pool,
		sqlDB:   sqlDB,
		tracker: &tracker{driver: "postgres", timeout: opts.Timeout, logger: logger},
	}, nil
}

func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: referenced row does not exist", types.ErrNotFound)
	}
	return err
}

// PersistMessage stores a community or direct message.
func (s *PostgresStore) PersistMessage(ctx context.Context, msg *types.Message) (err error) {
	ctx, op := s.tracker.start(ctx, "persist_message")
	defer op.end(&err)

	if err := msg.Scope.Validate(); err != nil {
		return err
	}

	msg.Status = types.MessageStatusApproved
	msg.IsRead = false

	err = s.pool.QueryRow(ctx, `
		INSERT INTO messages (community_id, receiver_id, sender_id, content, is_anonymous, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		types.Int64Ptr(msg.Scope.CommunityID),
		types.Int64Ptr(msg.Scope.ReceiverID),
		msg.SenderID,
		msg.Content,
		msg.IsAnonymous,
		msg.Status,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return translatePgError(fmt.Errorf("failed to insert message: %w", err))
	}
	return nil
}

const pgMessageColumns = `
	m.id, m.community_id, m.receiver_id, m.sender_id, COALESCE(u.name, ''),
	m.content, m.is_anonymous, m.is_read, m.status, m.created_at
`

func scanPgMessage(row pgx.Row) (*types.Message, error) {
	var msg types.Message
	var communityID, receiverID *int64

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

	if communityID != nil {
		msg.Scope = types.CommunityScope(*communityID)
	} else if receiverID != nil {
		msg.Scope = types.DirectScope(*receiverID)
	}
	return &msg, nil
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (msg *types.Message, err error) {
	ctx, op := s.tracker.start(ctx, "get_message")
	defer op.end(&err)

	msg, err = scanPgMessage(s.pool.QueryRow(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %d", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*types.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []*types.Message{}
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListCommunityMessages returns a community's history in send order.
func (s *PostgresStore) ListCommunityMessages(ctx context.Context, communityID int64) (messages []*types.Message, err error) {
	ctx, op := s.tracker.start(ctx, "list_community_messages")
	defer op.end(&err)

	return s.queryMessages(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.community_id = $1
		ORDER BY m.id ASC
	`, communityID)
}

// ListDirectMessages returns the conversation between two users in send order.
func (s *PostgresStore) ListDirectMessages(ctx context.Context, userA, userB int64) (messages []*types.Message, err error) {
	ctx, op := s.tracker.start(ctx, "list_direct_messages")
	defer op.end(&err)

	return s.queryMessages(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE (m.sender_id = $1 AND m.receiver_id = $2)
		   OR (m.sender_id = $2 AND m.receiver_id = $1)
		ORDER BY m.id ASC
	`, userA, userB)
}

// DeleteMessages removes the caller's messages among ids within scope.
func (s *PostgresStore) DeleteMessages(ctx context.Context, ids []int64, senderID int64, scope types.Scope) (deleted []int64, err error) {
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

	query := `DELETE FROM messages WHERE id = ANY($1) AND sender_id = $2 AND community_id = $3 RETURNING id`
	scopeID := scope.CommunityID
	if scope.Kind == types.ScopeDirect {
		query = `DELETE FROM messages WHERE id = ANY($1) AND sender_id = $2 AND receiver_id = $3 RETURNING id`
		scopeID = scope.ReceiverID
	}

	rows, err := s.pool.Query(ctx, query, ids, senderID, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		deleted = append(deleted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deleted, nil
}

func pgReadFilterClause(f types.ReadFilter) (string, []interface{}) {
	if f.Kind == types.ScopeCommunity {
		return `community_id = $1 AND sender_id <> $2 AND is_read = FALSE`, []interface{}{f.CommunityID, f.ViewerID}
	}
	return `receiver_id = $1 AND sender_id = $2 AND is_read = FALSE`, []interface{}{f.ViewerID, f.CounterpartID}
}

// MarkMessagesRead flips unread messages addressed to the viewer.
func (s *PostgresStore) MarkMessagesRead(ctx context.Context, f types.ReadFilter) (affected int64, err error) {
	ctx, op := s.tracker.start(ctx, "mark_messages_read")
	defer op.end(&err)

	if err := f.Validate(); err != nil {
		return 0, err
	}
	where, args := pgReadFilterClause(f)

	tag, err := s.pool.Exec(ctx, `UPDATE messages SET is_read = TRUE WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountUnread counts unread messages addressed to the viewer.
func (s *PostgresStore) CountUnread(ctx context.Context, f types.ReadFilter) (count int64, err error) {
	ctx, op := s.tracker.start(ctx, "count_unread")
	defer op.end(&err)

	if err := f.Validate(); err != nil {
		return 0, err
	}
	where, args := pgReadFilterClause(f)

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE `+where, args...).Scan(&count)
	return count, err
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (user *types.User, err error) {
	ctx, op := s.tracker.start(ctx, "get_user")
	defer op.end(&err)

	var u types.User
	err = s.pool.QueryRow(ctx, `SELECT id, name, role FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %d", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// GetCommunity retrieves a community together with its course teacher.
func (s *PostgresStore) GetCommunity(ctx context.Context, id int64) (community *types.Community, err error) {
	ctx, op := s.tracker.start(ctx, "get_community")
	defer op.end(&err)

	return s.getCommunity(ctx, id)
}

func (s *PostgresStore) getCommunity(ctx context.Context, id int64) (*types.Community, error) {
	var c types.Community
	var teacherID *int64
	err := s.pool.QueryRow(ctx, `
		SELECT c.id, c.course_id, c.name, co.teacher_id
		FROM communities c
		JOIN courses co ON co.id = c.course_id
		WHERE c.id = $1
	`, id).Scan(&c.ID, &c.CourseID, &c.Name, &teacherID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: community %d", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query community: %w", err)
	}
	if teacherID != nil {
		c.TeacherID = *teacherID
	}
	return &c, nil
}

// CommunityRecipients returns enrolled students plus the course teacher.
func (s *PostgresStore) CommunityRecipients(ctx context.Context, communityID int64) (ids []int64, err error) {
	ctx, op := s.tracker.start(ctx, "community_recipients")
	defer op.end(&err)

	community, err := s.getCommunity(ctx, communityID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT student_id FROM enrollments WHERE course_id = $1 ORDER BY student_id`, community.CourseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}

	if community.TeacherID > 0 {
		ids = append(ids, community.TeacherID)
	}
	return uniqueIDs(ids), nil
}

// UsersByRole lists the ids of users holding role.
func (s *PostgresStore) UsersByRole(ctx context.Context, role string) (ids []int64, err error) {
	ctx, op := s.tracker.start(ctx, "users_by_role")
	defer op.end(&err)

	if !types.IsValidRole(role) {
		return nil, types.ErrInvalidRole
	}

	rows, err := s.pool.Query(ctx, `SELECT id FROM users WHERE role = $1 ORDER BY id`, role)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

// PersistNotification stores a notification for an existing user.
func (s *PostgresStore) PersistNotification(ctx context.Context, n *types.Notification) (err error) {
	ctx, op := s.tracker.start(ctx, "persist_notification")
	defer op.end(&err)

	if err := n.Validate(); err != nil {
		return err
	}
	n.Type = types.NotificationTypeOrDefault(n.Type)
	n.IsRead = false

	err = s.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, sender_id, title, message, type, course_id, target_role)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM users WHERE id = $1)
		RETURNING id, created_at
	`, n.UserID, n.SenderID, n.Title, n.Message, n.Type, n.CourseID, n.TargetRole).
		Scan(&n.ID, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: user %d", types.ErrNotFound, n.UserID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID int64, unreadOnly bool) (list []*types.Notification, err error) {
	ctx, op := s.tracker.start(ctx, "list_notifications")
	defer op.end(&err)

	query := `
		SELECT id, user_id, sender_id, title, message, type, is_read, created_at, course_id, target_role
		FROM notifications
		WHERE user_id = $1`
	if unreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	list = []*types.Notification{}
	for rows.Next() {
		var n types.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.SenderID, &n.Title, &n.Message, &n.Type,
			&n.IsRead, &n.CreatedAt, &n.CourseID, &n.TargetRole); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		list = append(list, &n)
	}
	return list, rows.Err()
}

// CountUnreadNotifications counts a user's unread notifications.
func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userID int64) (count int64, err error) {
	ctx, op := s.tracker.start(ctx, "count_unread_notifications")
	defer op.end(&err)

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`, userID).Scan(&count)
	return count, err
}

// MarkNotificationRead marks one of the user's notifications as read.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id, userID int64) (err error) {
	ctx, op := s.tracker.start(ctx, "mark_notification_read")
	defer op.end(&err)

	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %d", types.ErrNotFound, id)
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of the user as read.
func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID int64) (affected int64, err error) {
	ctx, op := s.tracker.start(ctx, "mark_all_notifications_read")
	defer op.end(&err)

	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND is_read = FALSE`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthCheck pings the pool.
func (s *PostgresStore) HealthCheck(ctx context.Context) (err error) {
	ctx, op := s.tracker.start(ctx, "health_check")
	defer op.end(&err)

	return s.pool.Ping(ctx)
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	err := s.sqlDB.Close()
	s.pool.Close()
	return err
}
