package api

import (
	"net/http"

	"campushub/internal/presence"
	"campushub/pkg/types"
)

// DeleteRequest lists message ids for a bulk delete.
type DeleteRequest struct {
	IDs []int64 `json:"ids"`
}

// CreateNotificationRequest targets a single user.
type CreateNotificationRequest struct {
	UserID   int64  `json:"user_id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Type     string `json:"type"`
	CourseID *int64 `json:"course_id,omitempty"`
}

// BroadcastRequest targets every user with Role.
type BroadcastRequest struct {
	Role    string `json:"role"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// MessagesResponse carries history projected for the caller.
type MessagesResponse struct {
	Messages []types.MessageView `json:"messages"`
}

// CountResponse carries an unread count.
type CountResponse struct {
	Count int64 `json:"count"`
}

// AffectedResponse reports how many rows changed.
type AffectedResponse struct {
	Affected int64 `json:"affected"`
}

// DeletedResponse lists the ids actually removed.
type DeletedResponse struct {
	Deleted []int64 `json:"deleted"`
}

// NotificationsResponse carries the caller's notifications, newest first.
type NotificationsResponse struct {
	Notifications []*types.Notification `json:"notifications"`
}

// BroadcastResponse counts created and failed notifications.
type BroadcastResponse struct {
	Created int `json:"created"`
	Failed  int `json:"failed"`
}

// PresenceResponse is a snapshot of who is online.
type PresenceResponse struct {
	OnlineUsers []int64        `json:"online_users"`
	Stats       presence.Stats `json:"stats"`
}

// GET /api/communities/{communityID}/messages
func (s *Server) communityHistory(w http.ResponseWriter, r *http.Request) {
	communityID, err := pathID(r, "communityID")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	messages, err := s.engine.CommunityHistory(r.Context(), communityID, callerID(r))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if messages == nil {
		messages = []types.MessageView{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: messages})
}

// PUT /api/communities/{communityID}/read
func (s *Server) communityMarkRead(w http.ResponseWriter, r *http.Request) {
	communityID, err := pathID(r, "communityID")
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.markRead(w, r, types.ReadFilter{Kind: types.ScopeCommunity, ViewerID: callerID(r), CommunityID: communityID})
}

// GET /api/communities/{communityID}/unread
func (s *Server) communityUnread(w http.ResponseWriter, r *http.Request) {
	communityID, err := pathID(r, "communityID")
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.countUnread(w, r, types.ReadFilter{Kind: types.ScopeCommunity, ViewerID: callerID(r), CommunityID: communityID})
}

// POST /api/communities/{communityID}/messages/delete
func (s *Server) communityDelete(w http.ResponseWriter, r *http.Request) {
	communityID, err := pathID(r, "communityID")
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.deleteMany(w, r, types.CommunityScope(communityID))
}

// GET /api/direct/{peerID}/messages
func (s *Server) directHistory(w http.ResponseWriter, r *http.Request) {
	peerID, err := pathID(r, "peerID")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	messages, err := s.engine.DirectHistory(r.Context(), callerID(r), peerID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if messages == nil {
		messages = []types.MessageView{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: messages})
}

// PUT /api/direct/{peerID}/read marks what peerID sent the caller as read.
func (s *Server) directMarkRead(w http.ResponseWriter, r *http.Request) {
	peerID, err := pathID(r, "peerID")
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.markRead(w, r, types.ReadFilter{Kind: types.ScopeDirect, ViewerID: callerID(r), CounterpartID: peerID})
}

// GET /api/direct/{peerID}/unread
func (s *Server) directUnread(w http.ResponseWriter, r *http.Request) {
	peerID, err := pathID(r, "peerID")
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.countUnread(w, r, types.ReadFilter{Kind: types.ScopeDirect, ViewerID: callerID(r), CounterpartID: peerID})
}

// POST /api/direct/{peerID}/messages/delete removes messages the caller sent to peerID.
func (s *Server) directDelete(w http.ResponseWriter, r *http.Request) {
	peerID, err := pathID(r, "peerID")
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.deleteMany(w, r, types.DirectScope(peerID))
}

// DELETE /api/messages/{messageID}
func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "messageID")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	out, err := s.engine.DeleteMessage(r.Context(), messageID, callerID(r), 0)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeletedResponse{Deleted: out.Deleted})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request, f types.ReadFilter) {
	out, err := s.engine.MarkRead(r.Context(), f)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AffectedResponse{Affected: out.Affected})
}

func (s *Server) countUnread(w http.ResponseWriter, r *http.Request, f types.ReadFilter) {
	count, err := s.engine.CountUnread(r.Context(), f)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: count})
}

func (s *Server) deleteMany(w http.ResponseWriter, r *http.Request, scope types.Scope) {
	var req DeleteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	out, err := s.engine.DeleteMultiple(r.Context(), req.IDs, callerID(r), scope)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	deleted := out.Deleted
	if deleted == nil {
		deleted = []int64{}
	}
	writeJSON(w, http.StatusOK, DeletedResponse{Deleted: deleted})
}

// GET /api/notifications[?unread=true]
func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"

	list, err := s.notify.List(r.Context(), callerID(r), unreadOnly)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Notification{}
	}
	writeJSON(w, http.StatusOK, NotificationsResponse{Notifications: list})
}

// GET /api/notifications/unread-count
func (s *Server) notificationUnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.notify.UnreadCount(r.Context(), callerID(r))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: count})
}

// PUT /api/notifications/{notificationID}/read
func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "notificationID")
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.notify.MarkRead(r.Context(), id, callerID(r)); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PUT /api/notifications/read-all
func (s *Server) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	affected, err := s.notify.MarkAllRead(r.Context(), callerID(r))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AffectedResponse{Affected: affected})
}

// POST /api/notifications (admin)
func (s *Server) createNotification(w http.ResponseWriter, r *http.Request) {
	var req CreateNotificationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	n, err := s.notify.Notify(r.Context(), &types.Notification{
		UserID:   req.UserID,
		SenderID: types.Int64Ptr(callerID(r)),
		Title:    req.Title,
		Message:  req.Message,
		Type:     types.NotificationTypeOrDefault(req.Type),
		CourseID: req.CourseID,
	})
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// POST /api/notifications/broadcast (admin)
func (s *Server) broadcastNotification(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	created, failures, err := s.notify.Broadcast(r.Context(), req.Role, req.Title, req.Message, types.NotificationTypeOrDefault(req.Type), callerID(r))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if len(failures) > 0 {
		s.logger.Warn().
			Str("role", req.Role).
			Int("created", len(created)).
			Int("failed", len(failures)).
			Msg("broadcast partially failed")
	}
	writeJSON(w, http.StatusOK, BroadcastResponse{Created: len(created), Failed: len(failures)})
}

// GET /api/presence
func (s *Server) presenceSnapshot(w http.ResponseWriter, r *http.Request) {
	online := s.presence.OnlineUsers()
	if online == nil {
		online = []int64{}
	}
	writeJSON(w, http.StatusOK, PresenceResponse{OnlineUsers: online, Stats: s.presence.Stats()})
}
