package types

import (
	"fmt"
	"time"
)

// Roles stored on users. RoleAdmin is the privileged announcement role.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// MessageStatusApproved is the status every chat message is persisted with.
const MessageStatusApproved = "approved"

// AnonymousName replaces the sender name in payloads shown to anyone but the sender.
const AnonymousName = "Anonymous"

// Notification types produced by the engine
const (
	NotificationTypeAnnouncement = "announcement"
	NotificationTypeGeneral      = "general"
)

// NotificationTypeOrDefault returns t, or NotificationTypeGeneral when t is empty.
func NotificationTypeOrDefault(t string) string {
	if t == "" {
		return NotificationTypeGeneral
	}
	return t
}

// ScopeKind says whether a message belongs to a community room or a 1:1 conversation.
type ScopeKind string

const (
	ScopeCommunity ScopeKind = "community"
	ScopeDirect    ScopeKind = "direct"
)

// Scope identifies where a message lives. Exactly one of CommunityID or
// ReceiverID is set, matching Kind.
type Scope struct {
	Kind        ScopeKind `json:"kind"`
	CommunityID int64     `json:"community_id,omitempty"`
	ReceiverID  int64     `json:"receiver_id,omitempty"`
}

// CommunityScope builds the scope of a community room message.
func CommunityScope(communityID int64) Scope {
	return Scope{Kind: ScopeCommunity, CommunityID: communityID}
}

// DirectScope builds the scope of a direct message addressed to receiverID.
func DirectScope(receiverID int64) Scope {
	return Scope{Kind: ScopeDirect, ReceiverID: receiverID}
}

// Room returns the presence room name for community scopes, or "" for direct ones.
func (s Scope) Room() string {
	if s.Kind != ScopeCommunity {
		return ""
	}
	return CommunityRoom(s.CommunityID)
}

// CommunityRoom is the room sessions join to receive a community's live events.
func CommunityRoom(communityID int64) string {
	return fmt.Sprintf("community-%d", communityID)
}

// User is the slice of the user record the engine needs.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Community is a chat room bound to one course. TeacherID is the course teacher.
type Community struct {
	ID        int64  `json:"id"`
	CourseID  int64  `json:"course_id"`
	Name      string `json:"name"`
	TeacherID int64  `json:"teacher_id"`
}

// Message is a persisted chat or direct message. SenderID is always the true
// sender; masking only happens when a MessageView is built.
type Message struct {
	ID          int64     `json:"id"`
	Scope       Scope     `json:"scope"`
	SenderID    int64     `json:"sender_id"`
	SenderName  string    `json:"sender_name"` // joined from users on reads, from the event on sends
	Content     string    `json:"content"`
	IsAnonymous bool      `json:"is_anonymous"`
	IsRead      bool      `json:"is_read"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageView is the delivered/serialized shape of a message for one viewer.
// SenderID is nil when the sender's identity is masked.
type MessageView struct {
	ID          int64     `json:"id"`
	CommunityID int64     `json:"community_id,omitempty"`
	ReceiverID  int64     `json:"receiver_id,omitempty"`
	SenderID    *int64    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Content     string    `json:"content"`
	IsAnonymous bool      `json:"is_anonymous"`
	IsRead      bool      `json:"is_read"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notification is a durable user-addressed alert.
type Notification struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	SenderID   *int64    `json:"sender_id,omitempty"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Type       string    `json:"type"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
	CourseID   *int64    `json:"course_id,omitempty"`
	TargetRole *string   `json:"target_role,omitempty"`
}

// ReadFilter selects the messages a viewer marks as read or counts as unread.
// For community scopes every message not sent by the viewer matches; for direct
// scopes only messages from CounterpartID to the viewer match.
type ReadFilter struct {
	Kind          ScopeKind
	ViewerID      int64
	CommunityID   int64
	CounterpartID int64
}

// Int64Ptr returns a pointer to v, or nil when v is zero.
func Int64Ptr(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
