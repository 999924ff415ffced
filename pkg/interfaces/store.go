package interfaces

import (
	"context"

	"campushub/pkg/types"
)

// Store is the durable persistence boundary of the engine. Implementations
// return types.ErrNotFound for missing rows and wrap every other failure
// with types.ErrStorageUnavailable.
type Store interface {
	// PersistMessage inserts msg and fills in ID, Status and CreatedAt.
	PersistMessage(ctx context.Context, msg *types.Message) error

	// GetMessage loads a message with its sender name.
	GetMessage(ctx context.Context, id int64) (*types.Message, error)

	// DeleteMessages removes every message whose id is in ids, whose sender
	// is senderID and which lives in scope, in one conditional statement.
	// It returns the ids actually removed.
	DeleteMessages(ctx context.Context, ids []int64, senderID int64, scope types.Scope) ([]int64, error)

	// MarkMessagesRead flips is_read on the messages the filter selects and
	// returns the number of rows changed.
	MarkMessagesRead(ctx context.Context, filter types.ReadFilter) (int64, error)

	// CountUnread counts the unread messages the filter selects.
	CountUnread(ctx context.Context, filter types.ReadFilter) (int64, error)

	// ListCommunityMessages returns the community history, oldest first.
	ListCommunityMessages(ctx context.Context, communityID int64) ([]*types.Message, error)

	// ListDirectMessages returns the conversation between two users, oldest first.
	ListDirectMessages(ctx context.Context, userA, userB int64) ([]*types.Message, error)

	GetUser(ctx context.Context, id int64) (*types.User, error)

	// GetCommunity returns the community joined with its course teacher.
	// A community whose course is gone is reported as not found.
	GetCommunity(ctx context.Context, id int64) (*types.Community, error)

	// CommunityRecipients returns the enrolled students of the community's
	// course plus the course teacher, deduplicated.
	CommunityRecipients(ctx context.Context, communityID int64) ([]int64, error)

	// UsersByRole returns the ids of every user holding role.
	UsersByRole(ctx context.Context, role string) ([]int64, error)

	// PersistNotification inserts n and fills in ID and CreatedAt.
	PersistNotification(ctx context.Context, n *types.Notification) error

	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]*types.Notification, error)

	CountUnreadNotifications(ctx context.Context, userID int64) (int64, error)

	// MarkNotificationRead marks one notification owned by userID as read.
	MarkNotificationRead(ctx context.Context, id, userID int64) error

	// MarkAllNotificationsRead marks every unread notification of userID as read.
	MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
