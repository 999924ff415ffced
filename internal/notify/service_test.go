package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"campushub/pkg/interfaces"
	"campushub/pkg/types"
)

// mockStore implements the notification half of interfaces.Store. Calling
// any other method panics through the nil embedded interface.
type mockStore struct {
	interfaces.Store

	mu        sync.Mutex
	users     map[int64]string // id -> role
	saved     []*types.Notification
	failUsers map[int64]bool
	nextID    int64
}

func newMockStore() *mockStore {
	return &mockStore{
		users: map[int64]string{
			1: types.RoleAdmin,
			2: types.RoleStudent,
			3: types.RoleStudent,
			4: types.RoleTeacher,
		},
		failUsers: map[int64]bool{},
	}
}

func (m *mockStore) PersistNotification(ctx context.Context, n *types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUsers[n.UserID] {
		return types.Unavailable("persist_notification", errors.New("disk full"))
	}
	if _, ok := m.users[n.UserID]; !ok {
		return types.ErrNotFound
	}
	if n.Type == "" {
		n.Type = types.NotificationTypeGeneral
	}
	m.nextID++
	n.ID = m.nextID
	cp := *n
	m.saved = append(m.saved, &cp)
	return nil
}

func (m *mockStore) UsersByRole(ctx context.Context, role string) ([]int64, error) {
	var ids []int64
	for id := int64(1); id <= 4; id++ {
		if m.users[id] == role {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockStore) ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]*types.Notification, error) {
	var out []*types.Notification
	for _, n := range m.saved {
		if n.UserID == userID && (!unreadOnly || !n.IsRead) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *mockStore) MarkNotificationRead(ctx context.Context, id, userID int64) error {
	for _, n := range m.saved {
		if n.ID == id && n.UserID == userID {
			n.IsRead = true
			return nil
		}
	}
	return types.ErrNotFound
}

type mockSession struct {
	id     string
	closed bool
	events []string
	data   []interface{}
}

func (m *mockSession) ID() string { return m.id }
func (m *mockSession) Send(event string, payload interface{}) error {
	if m.closed {
		return interfaces.ErrSessionClosed
	}
	m.events = append(m.events, event)
	m.data = append(m.data, payload)
	return nil
}
func (m *mockSession) Close() error { return nil }

type mockLookup map[int64][]interfaces.Session

func (m mockLookup) SessionsFor(userID int64) []interfaces.Session { return m[userID] }

func TestNotify_PersistsAndPushesToEverySession(t *testing.T) {
	store := newMockStore()
	s1, s2 := &mockSession{id: "a"}, &mockSession{id: "b"}
	svc := NewService(store, mockLookup{2: {s1, s2}}, zerolog.Nop())

	n, err := svc.Notify(context.Background(), &types.Notification{UserID: 2, Title: "Exam moved"})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if n.ID == 0 {
		t.Error("Expected persisted id")
	}
	for _, s := range []*mockSession{s1, s2} {
		if len(s.events) != 1 || s.events[0] != EventNewNotification {
			t.Errorf("Session %s: expected new-notification, got %v", s.id, s.events)
		}
	}
}

func TestNotify_OfflineRecipientStillPersisted(t *testing.T) {
	store := newMockStore()
	svc := NewService(store, mockLookup{}, zerolog.Nop())

	if _, err := svc.Notify(context.Background(), &types.Notification{UserID: 3, Title: "Hi"}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(store.saved) != 1 {
		t.Errorf("Expected 1 stored notification, got %d", len(store.saved))
	}
}

func TestNotify_ClosedSessionDoesNotLoseRecord(t *testing.T) {
	store := newMockStore()
	closed := &mockSession{id: "gone", closed: true}
	svc := NewService(store, mockLookup{2: {closed}}, zerolog.Nop())

	if _, err := svc.Notify(context.Background(), &types.Notification{UserID: 2, Title: "Hi"}); err != nil {
		t.Fatalf("Expected push failure to be silent, got %v", err)
	}
	if len(store.saved) != 1 {
		t.Errorf("Expected record to be kept, got %d", len(store.saved))
	}
}

func TestNotify_PersistFailureSkipsPush(t *testing.T) {
	store := newMockStore()
	store.failUsers[2] = true
	sess := &mockSession{id: "a"}
	svc := NewService(store, mockLookup{2: {sess}}, zerolog.Nop())

	_, err := svc.Notify(context.Background(), &types.Notification{UserID: 2, Title: "Hi"})
	if !errors.Is(err, types.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
	if len(sess.events) != 0 {
		t.Errorf("Expected no push without a record, got %v", sess.events)
	}
}

func TestNotify_Validation(t *testing.T) {
	svc := NewService(newMockStore(), mockLookup{}, zerolog.Nop())

	if _, err := svc.Notify(context.Background(), &types.Notification{UserID: 2}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Expected validation error for empty title, got %v", err)
	}
	if _, err := svc.Notify(context.Background(), nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Expected validation error for nil input, got %v", err)
	}
}

func TestNotifyMany_PerRecipientIndependence(t *testing.T) {
	store := newMockStore()
	store.failUsers[3] = true
	svc := NewService(store, mockLookup{}, zerolog.Nop())

	created, failures := svc.NotifyMany(context.Background(), []int64{2, 3, 4, 99, 2}, types.Notification{
		Title: "Announcement",
		Type:  types.NotificationTypeAnnouncement,
	})

	if len(created) != 2 {
		t.Errorf("Expected 2 created (users 2 and 4), got %d", len(created))
	}
	if len(failures) != 2 {
		t.Fatalf("Expected 2 failures, got %v", failures)
	}
	if !errors.Is(failures[3], types.ErrStorageUnavailable) {
		t.Errorf("Expected storage failure for user 3, got %v", failures[3])
	}
	if !errors.Is(failures[99], types.ErrNotFound) {
		t.Errorf("Expected not found for user 99, got %v", failures[99])
	}
	if created[0].UserID == created[1].UserID {
		t.Error("Expected distinct notification rows per recipient")
	}
}

func TestBroadcast_TargetsRole(t *testing.T) {
	store := newMockStore()
	svc := NewService(store, mockLookup{}, zerolog.Nop())

	created, failures, err := svc.Broadcast(context.Background(), types.RoleStudent, "Campus closed", "Snow day", "", 1)
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if len(failures) != 0 || len(created) != 2 {
		t.Fatalf("Expected 2 created and no failures, got %d/%v", len(created), failures)
	}
	for _, n := range created {
		if n.TargetRole == nil || *n.TargetRole != types.RoleStudent {
			t.Errorf("Expected target role student, got %v", n.TargetRole)
		}
		if n.SenderID == nil || *n.SenderID != 1 {
			t.Errorf("Expected sender 1, got %v", n.SenderID)
		}
	}

	if _, _, err := svc.Broadcast(context.Background(), "alumni", "x", "", "", 1); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Expected validation error for unknown role, got %v", err)
	}
}

func TestMarkRead_ForeignNotificationNotFound(t *testing.T) {
	store := newMockStore()
	svc := NewService(store, mockLookup{}, zerolog.Nop())

	n, _ := svc.Notify(context.Background(), &types.Notification{UserID: 2, Title: "Hi"})

	if err := svc.MarkRead(context.Background(), n.ID, 3); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := svc.MarkRead(context.Background(), n.ID, 2); err != nil {
		t.Errorf("MarkRead failed: %v", err)
	}

	unread, err := svc.List(context.Background(), 2, true)
	if err != nil || len(unread) != 0 {
		t.Errorf("Expected no unread notifications, got %v (%v)", unread, err)
	}
}
