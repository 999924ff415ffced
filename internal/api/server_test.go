package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"campushub/internal/engine"
	"campushub/internal/notify"
	"campushub/internal/presence"
	"campushub/internal/rooms"
	"campushub/internal/store"
	dbconfig "campushub/pkg/database"
	"campushub/pkg/interfaces"
	"campushub/pkg/types"
)

const (
	adminID     int64 = 1
	teacherID   int64 = 7
	studentA    int64 = 10
	studentB    int64 = 11
	communityID int64 = 3
)

type testSession struct {
	id string
	mu sync.Mutex
	n  int
}

func (s *testSession) ID() string { return s.id }

func (s *testSession) Send(event string, payload interface{}) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func (s *testSession) Close() error { return nil }

// unhealthyStore fails health checks and nothing else.
type unhealthyStore struct {
	interfaces.Store
}

func (u *unhealthyStore) HealthCheck(ctx context.Context) error {
	return types.Unavailable("health_check", errors.New("disk I/O error"))
}

type testServer struct {
	*Server
	engine *engine.Engine
	store  *store.SQLiteStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "api.db")

	s, err := store.NewSQLiteStore(context.Background(), cfg, store.Options{Timeout: 5 * time.Second, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	seed := []string{
		`INSERT INTO users (id, name, role) VALUES (1, 'Registrar', 'admin')`,
		`INSERT INTO users (id, name, role) VALUES (7, 'Dr. Ali', 'teacher')`,
		`INSERT INTO users (id, name, role) VALUES (10, 'Mina', 'student')`,
		`INSERT INTO users (id, name, role) VALUES (11, 'Omar', 'student')`,
		`INSERT INTO users (id, name, role) VALUES (12, 'Sam', 'student')`,
		`INSERT INTO courses (id, name, teacher_id) VALUES (3, 'Networks', 7)`,
		`INSERT INTO enrollments (course_id, student_id) VALUES (3, 10), (3, 11)`,
		`INSERT INTO communities (id, course_id, name) VALUES (3, 3, 'Networks chat')`,
	}
	for _, stmt := range seed {
		if _, err := s.GetDB().Exec(stmt); err != nil {
			t.Fatalf("Seed %q failed: %v", stmt, err)
		}
	}

	eng, notifications := buildStack(s)
	return &testServer{
		Server: NewServer(eng, notifications, s, nil, Options{CORSOrigins: []string{"https://campus.example"}}, zerolog.Nop()),
		engine: eng,
		store:  s,
	}
}

func buildStack(s interfaces.Store) (*engine.Engine, *notify.Service) {
	registry := presence.NewRegistry()
	notifications := notify.NewService(s, registry, zerolog.Nop())
	opts := engine.DefaultOptions()
	opts.RatePerSecond = 0
	eng := engine.New(s, registry, rooms.NewResolver(s, zerolog.Nop()), notifications, opts, zerolog.Nop())
	return eng, notifications
}

func (ts *testServer) do(t *testing.T, method, path string, userID int64, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != 0 {
		req.Header.Set(UserIDHeader, strconv.FormatInt(userID, 10))
	}

	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	return w
}

func (ts *testServer) sendCommunity(t *testing.T, sender int64, content string, anonymous bool) int64 {
	t.Helper()
	out, err := ts.engine.SendCommunityMessage(context.Background(), engine.CommunityMessage{
		CommunityID: communityID,
		SenderID:    sender,
		Content:     content,
		IsAnonymous: anonymous,
	})
	if err != nil {
		t.Fatalf("SendCommunityMessage failed: %v", err)
	}
	return out.Message.ID
}

func (ts *testServer) sendDirect(t *testing.T, sender, receiver int64, content string) int64 {
	t.Helper()
	out, err := ts.engine.SendDirectMessage(context.Background(), engine.DirectMessage{
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
	})
	if err != nil {
		t.Fatalf("SendDirectMessage failed: %v", err)
	}
	return out.Message.ID
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("Expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func TestServer_RequiresCallerIdentity(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/notifications", 0, "")
	expectStatus(t, w, http.StatusBadRequest)

	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Reason != "validation_failure" || resp.Code != http.StatusBadRequest {
		t.Errorf("Unexpected error response %+v", resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	req.Header.Set(UserIDHeader, "mina")
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestServer_CommunityHistoryMasksAnonymousSender(t *testing.T) {
	ts := newTestServer(t)
	ts.sendCommunity(t, teacherID, "Welcome to Networks", false)
	ts.sendCommunity(t, studentA, "Is the lab graded?", true)

	var other MessagesResponse
	w := ts.do(t, http.MethodGet, "/api/communities/3/messages", studentB, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &other)

	if len(other.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(other.Messages))
	}
	if other.Messages[0].SenderName != "Dr. Ali" || other.Messages[0].SenderID == nil {
		t.Errorf("Expected named teacher message, got %+v", other.Messages[0])
	}
	anon := other.Messages[1]
	if anon.SenderID != nil || anon.SenderName != "Anonymous" {
		t.Errorf("Expected masked sender for another viewer, got %+v", anon)
	}

	var own MessagesResponse
	w = ts.do(t, http.MethodGet, "/api/communities/3/messages", studentA, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &own)
	if own.Messages[1].SenderID == nil || *own.Messages[1].SenderID != studentA {
		t.Errorf("Expected the sender to see their own id, got %+v", own.Messages[1])
	}
}

func TestServer_CommunityHistoryErrors(t *testing.T) {
	ts := newTestServer(t)

	expectStatus(t, ts.do(t, http.MethodGet, "/api/communities/abc/messages", studentA, ""), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/communities/0/messages", studentA, ""), http.StatusBadRequest)

	var resp MessagesResponse
	w := ts.do(t, http.MethodGet, "/api/communities/99/messages", studentA, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &resp)
	if resp.Messages == nil || len(resp.Messages) != 0 {
		t.Errorf("Expected an empty list, got %v", resp.Messages)
	}
}

func TestServer_CommunityReadAndUnread(t *testing.T) {
	ts := newTestServer(t)
	ts.sendCommunity(t, teacherID, "Quiz on Friday", false)
	ts.sendCommunity(t, teacherID, "Bring a calculator", false)
	ts.sendCommunity(t, studentA, "Thanks", false)

	var count CountResponse
	w := ts.do(t, http.MethodGet, "/api/communities/3/unread", studentA, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &count)
	if count.Count != 2 {
		t.Errorf("Expected 2 unread for Mina, got %d", count.Count)
	}

	var affected AffectedResponse
	w = ts.do(t, http.MethodPut, "/api/communities/3/read", studentA, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &affected)
	if affected.Affected != 2 {
		t.Errorf("Expected 2 rows marked, got %d", affected.Affected)
	}

	w = ts.do(t, http.MethodPut, "/api/communities/3/read", studentA, "")
	expectStatus(t, w, http.StatusOK)
	affected = AffectedResponse{}
	decode(t, w, &affected)
	if affected.Affected != 0 {
		t.Errorf("Expected second mark to affect nothing, got %d", affected.Affected)
	}

	w = ts.do(t, http.MethodGet, "/api/communities/3/unread", studentA, "")
	count = CountResponse{}
	decode(t, w, &count)
	if count.Count != 0 {
		t.Errorf("Expected 0 unread after marking, got %d", count.Count)
	}
}

func TestServer_DirectConversation(t *testing.T) {
	ts := newTestServer(t)
	ts.sendDirect(t, studentA, studentB, "lab partners?")
	ts.sendDirect(t, studentA, studentB, "ping me")
	ts.sendDirect(t, studentB, studentA, "sure")

	var history MessagesResponse
	w := ts.do(t, http.MethodGet, "/api/direct/10/messages", studentB, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &history)
	if len(history.Messages) != 3 {
		t.Fatalf("Expected 3 messages in the conversation, got %d", len(history.Messages))
	}
	if history.Messages[0].Content != "lab partners?" {
		t.Errorf("Expected oldest first, got %q", history.Messages[0].Content)
	}

	var count CountResponse
	w = ts.do(t, http.MethodGet, "/api/direct/10/unread", studentB, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &count)
	if count.Count != 2 {
		t.Errorf("Expected 2 unread from Mina, got %d", count.Count)
	}

	var affected AffectedResponse
	w = ts.do(t, http.MethodPut, "/api/direct/10/read", studentB, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &affected)
	if affected.Affected != 2 {
		t.Errorf("Expected 2 rows marked, got %d", affected.Affected)
	}

	// Omar's reply to Mina is untouched.
	w = ts.do(t, http.MethodGet, "/api/direct/11/unread", studentA, "")
	count = CountResponse{}
	decode(t, w, &count)
	if count.Count != 1 {
		t.Errorf("Expected Mina to still have 1 unread, got %d", count.Count)
	}
}

func TestServer_DeleteMessage(t *testing.T) {
	ts := newTestServer(t)
	id := ts.sendCommunity(t, studentA, "typo", false)
	path := "/api/messages/" + strconv.FormatInt(id, 10)

	expectStatus(t, ts.do(t, http.MethodDelete, path, studentB, ""), http.StatusForbidden)
	expectStatus(t, ts.do(t, http.MethodDelete, "/api/messages/x", studentA, ""), http.StatusBadRequest)

	var resp DeletedResponse
	w := ts.do(t, http.MethodDelete, path, studentA, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &resp)
	if len(resp.Deleted) != 1 || resp.Deleted[0] != id {
		t.Errorf("Expected [%d] deleted, got %v", id, resp.Deleted)
	}

	expectStatus(t, ts.do(t, http.MethodDelete, path, studentA, ""), http.StatusNotFound)
}

func TestServer_BulkDeleteReturnsSubset(t *testing.T) {
	ts := newTestServer(t)
	mine1 := ts.sendCommunity(t, studentA, "one", false)
	mine2 := ts.sendCommunity(t, studentA, "two", false)
	theirs := ts.sendCommunity(t, studentB, "three", false)

	body := `{"ids":[` + strconv.FormatInt(mine2, 10) + `,` + strconv.FormatInt(theirs, 10) + `,` +
		strconv.FormatInt(mine1, 10) + `,9999]}`

	var resp DeletedResponse
	w := ts.do(t, http.MethodPost, "/api/communities/3/messages/delete", studentA, body)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &resp)
	if len(resp.Deleted) != 2 || resp.Deleted[0] != mine1 || resp.Deleted[1] != mine2 {
		t.Errorf("Expected [%d %d], got %v", mine1, mine2, resp.Deleted)
	}

	expectStatus(t, ts.do(t, http.MethodPost, "/api/communities/3/messages/delete", studentA, "{"), http.StatusBadRequest)
}

func TestServer_DirectBulkDelete(t *testing.T) {
	ts := newTestServer(t)
	sent := ts.sendDirect(t, studentA, studentB, "oops")
	received := ts.sendDirect(t, studentB, studentA, "keep")

	body := `{"ids":[` + strconv.FormatInt(sent, 10) + `,` + strconv.FormatInt(received, 10) + `]}`
	var resp DeletedResponse
	w := ts.do(t, http.MethodPost, "/api/direct/11/messages/delete", studentA, body)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &resp)
	if len(resp.Deleted) != 1 || resp.Deleted[0] != sent {
		t.Errorf("Expected only [%d] deleted, got %v", sent, resp.Deleted)
	}
}

func TestServer_NotificationLifecycle(t *testing.T) {
	ts := newTestServer(t)

	body := `{"user_id":10,"title":"Grades posted","message":"Check the portal","course_id":3}`
	w := ts.do(t, http.MethodPost, "/api/notifications", adminID, body)
	expectStatus(t, w, http.StatusCreated)

	var created types.Notification
	decode(t, w, &created)
	if created.ID == 0 || created.Type != types.NotificationTypeGeneral {
		t.Errorf("Unexpected notification %+v", created)
	}
	if created.SenderID == nil || *created.SenderID != adminID {
		t.Errorf("Expected admin as sender, got %v", created.SenderID)
	}

	var list NotificationsResponse
	w = ts.do(t, http.MethodGet, "/api/notifications?unread=true", studentA, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &list)
	if len(list.Notifications) != 1 || list.Notifications[0].Title != "Grades posted" {
		t.Fatalf("Unexpected notifications %+v", list.Notifications)
	}

	var count CountResponse
	w = ts.do(t, http.MethodGet, "/api/notifications/unread-count", studentA, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &count)
	if count.Count != 1 {
		t.Errorf("Expected 1 unread, got %d", count.Count)
	}

	path := "/api/notifications/" + strconv.FormatInt(created.ID, 10) + "/read"
	expectStatus(t, ts.do(t, http.MethodPut, path, studentB, ""), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodPut, path, studentA, ""), http.StatusNoContent)

	var affected AffectedResponse
	w = ts.do(t, http.MethodPut, "/api/notifications/read-all", studentA, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &affected)
	if affected.Affected != 0 {
		t.Errorf("Expected nothing left to mark, got %d", affected.Affected)
	}

	list = NotificationsResponse{}
	w = ts.do(t, http.MethodGet, "/api/notifications?unread=true", studentA, "")
	decode(t, w, &list)
	if len(list.Notifications) != 0 {
		t.Errorf("Expected no unread notifications, got %d", len(list.Notifications))
	}
}

func TestServer_NotificationPushedToOnlineRecipient(t *testing.T) {
	ts := newTestServer(t)
	session := &testSession{id: "mina-phone"}
	if err := ts.engine.Connect(session); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := ts.engine.Dispatch(context.Background(), session, engine.Register{UserID: engine.ID(studentA)}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	expectStatus(t, ts.do(t, http.MethodPost, "/api/notifications", adminID, `{"user_id":10,"title":"Hi"}`), http.StatusCreated)

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.n != 1 {
		t.Errorf("Expected 1 push to the online session, got %d", session.n)
	}
}

func TestServer_AdminOnlyEndpoints(t *testing.T) {
	ts := newTestServer(t)

	expectStatus(t, ts.do(t, http.MethodPost, "/api/notifications", teacherID, `{"user_id":10,"title":"x"}`), http.StatusForbidden)
	expectStatus(t, ts.do(t, http.MethodPost, "/api/notifications/broadcast", studentA, `{"role":"student","title":"x"}`), http.StatusForbidden)
	expectStatus(t, ts.do(t, http.MethodPost, "/api/notifications", 404, `{"user_id":10,"title":"x"}`), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodPost, "/api/notifications", adminID, `{"user_id":10}`), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodPost, "/api/notifications", adminID, `{"user_id":555,"title":"x"}`), http.StatusNotFound)
}

func TestServer_Broadcast(t *testing.T) {
	ts := newTestServer(t)

	var resp BroadcastResponse
	w := ts.do(t, http.MethodPost, "/api/notifications/broadcast", adminID,
		`{"role":"student","title":"Campus closed","message":"Snow day","type":"announcement"}`)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &resp)
	if resp.Created != 3 || resp.Failed != 0 {
		t.Errorf("Expected 3 created, got %+v", resp)
	}

	var list NotificationsResponse
	w = ts.do(t, http.MethodGet, "/api/notifications", 12, "")
	decode(t, w, &list)
	if len(list.Notifications) != 1 || list.Notifications[0].TargetRole == nil || *list.Notifications[0].TargetRole != "student" {
		t.Errorf("Expected a student-targeted notification, got %+v", list.Notifications)
	}

	expectStatus(t, ts.do(t, http.MethodPost, "/api/notifications/broadcast", adminID, `{"role":"dean","title":"x"}`), http.StatusBadRequest)
}

func TestServer_PresenceSnapshot(t *testing.T) {
	ts := newTestServer(t)
	for i, user := range []int64{studentB, studentA, studentA} {
		s := &testSession{id: "s" + strconv.Itoa(i)}
		if err := ts.engine.Connect(s); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		if _, err := ts.engine.Dispatch(context.Background(), s, engine.Register{UserID: engine.ID(user)}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	var resp PresenceResponse
	w := ts.do(t, http.MethodGet, "/api/presence", studentA, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &resp)
	if len(resp.OnlineUsers) != 2 || resp.OnlineUsers[0] != studentA || resp.OnlineUsers[1] != studentB {
		t.Errorf("Expected [10 11] online, got %v", resp.OnlineUsers)
	}
	if resp.Stats.Sessions != 3 || resp.Stats.OnlineUsers != 2 {
		t.Errorf("Unexpected stats %+v", resp.Stats)
	}
}

func TestServer_HealthCheck(t *testing.T) {
	ts := newTestServer(t)

	var health HealthResponse
	w := ts.do(t, http.MethodGet, "/health", 0, "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &health)
	if health.Status != "healthy" || health.Database != "healthy" {
		t.Errorf("Unexpected health %+v", health)
	}

	broken := &unhealthyStore{Store: ts.store}
	eng, notifications := buildStack(broken)
	srv := NewServer(eng, notifications, broken, nil, Options{}, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	expectStatus(t, rec, http.StatusServiceUnavailable)
	health = HealthResponse{}
	decode(t, rec, &health)
	if health.Status != "unhealthy" {
		t.Errorf("Expected unhealthy status, got %q", health.Status)
	}
}

func TestServer_StorageErrorsAreOpaque(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	w := ts.do(t, http.MethodGet, "/api/notifications/unread-count", studentA, "")
	expectStatus(t, w, http.StatusServiceUnavailable)

	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Reason != "storage_unavailable" {
		t.Errorf("Expected storage_unavailable, got %q", resp.Reason)
	}
	if strings.Contains(resp.Message, "sql") {
		t.Errorf("Expected the cause to be hidden, got %q", resp.Message)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/notifications", nil)
	req.Header.Set("Origin", "https://campus.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	req.Header.Set("Access-Control-Request-Headers", UserIDHeader)
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://campus.example" {
		t.Errorf("Expected the campus origin to be allowed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/notifications", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w = httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected unknown origin to be refused, got %q", got)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/communities/3/unread", studentA, "")

	w := ts.do(t, http.MethodGet, "/metrics", 0, "")
	expectStatus(t, w, http.StatusOK)

	body := w.Body.String()
	if !strings.Contains(body, "campushub_http_requests_total") {
		t.Error("Expected HTTP request counter in metrics output")
	}
	if !strings.Contains(body, `route="/api/communities/{communityID}/unread"`) {
		t.Error("Expected requests to be labelled by route pattern")
	}
}
