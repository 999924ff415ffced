package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"campushub/internal/metrics"
	"campushub/internal/presence"
	"campushub/pkg/interfaces"
	"campushub/pkg/types"
)

// EventNewNotification is pushed to every live session of the recipient.
const EventNewNotification = "new-notification"

// SessionLookup finds a user's live sessions.
type SessionLookup interface {
	SessionsFor(userID int64) []interfaces.Session
}

// Service persists notifications and pushes them to online recipients.
// Persistence always comes first; a failed push never loses the record.
type Service struct {
	store    interfaces.Store
	sessions SessionLookup
	logger   zerolog.Logger
}

// NewService creates a notification service.
func NewService(store interfaces.Store, sessions SessionLookup, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// Notify persists n and pushes it to the recipient's live sessions.
func (s *Service) Notify(ctx context.Context, n *types.Notification) (*types.Notification, error) {
	if n == nil {
		return nil, types.ErrMissingUser
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.PersistNotification(ctx, n); err != nil {
		return nil, err
	}
	metrics.NotificationsCreated.WithLabelValues(n.Type).Inc()

	delivered := presence.Deliver(s.logger, s.sessions.SessionsFor(n.UserID), EventNewNotification, n)
	s.logger.Debug().
		Int64("notification_id", n.ID).
		Int64("user_id", n.UserID).
		Int("delivered", delivered).
		Msg("notification created")

	return n, nil
}

// NotifyMany creates one notification per distinct recipient from tmpl.
// Recipients are independent: a failure for one is recorded in the returned
// map and does not stop the others.
func (s *Service) NotifyMany(ctx context.Context, recipients []int64, tmpl types.Notification) ([]*types.Notification, map[int64]error) {
	created := make([]*types.Notification, 0, len(recipients))
	failures := make(map[int64]error)
	seen := make(map[int64]struct{}, len(recipients))

	for _, userID := range recipients {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		n := tmpl
		n.ID = 0
		n.UserID = userID
		if _, err := s.Notify(ctx, &n); err != nil {
			failures[userID] = err
			continue
		}
		created = append(created, &n)
	}

	if len(failures) > 0 {
		s.logger.Warn().
			Int("created", len(created)).
			Int("failed", len(failures)).
			Str("title", tmpl.Title).
			Msg("some notifications could not be created")
	}
	return created, failures
}

// Broadcast notifies every user holding role.
func (s *Service) Broadcast(ctx context.Context, role, title, body, notificationType string, senderID int64) ([]*types.Notification, map[int64]error, error) {
	if !types.IsValidRole(role) {
		return nil, nil, types.ErrInvalidRole
	}
	if title == "" {
		return nil, nil, types.ErrEmptyTitle
	}

	users, err := s.store.UsersByRole(ctx, role)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s users: %w", role, err)
	}

	created, failures := s.NotifyMany(ctx, users, types.Notification{
		SenderID:   types.Int64Ptr(senderID),
		Title:      title,
		Message:    body,
		Type:       notificationType,
		TargetRole: types.StringPtr(role),
	})
	return created, failures, nil
}

// List returns the user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID int64, unreadOnly bool) ([]*types.Notification, error) {
	if userID <= 0 {
		return nil, types.ErrMissingUser
	}
	return s.store.ListNotifications(ctx, userID, unreadOnly)
}

// UnreadCount returns how many of the user's notifications are unread.
func (s *Service) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	if userID <= 0 {
		return 0, types.ErrMissingUser
	}
	return s.store.CountUnreadNotifications(ctx, userID)
}

// MarkRead marks one notification read. Notifications of other users are not found.
func (s *Service) MarkRead(ctx context.Context, id, userID int64) error {
	if userID <= 0 {
		return types.ErrMissingUser
	}
	return s.store.MarkNotificationRead(ctx, id, userID)
}

// MarkAllRead marks every unread notification of the user read.
func (s *Service) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	if userID <= 0 {
		return 0, types.ErrMissingUser
	}
	return s.store.MarkAllNotificationsRead(ctx, userID)
}
