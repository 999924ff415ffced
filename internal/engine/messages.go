package engine

import (
	"context"
	"fmt"
	"sort"

	"campushub/internal/metrics"
	"campushub/internal/presence"
	"campushub/pkg/interfaces"
	"campushub/pkg/types"
)

// CommunityMessage is a send into a community room.
type CommunityMessage struct {
	CommunityID      int64
	SenderID         int64
	SenderName       string
	Content          string
	IsAnonymous      bool
	NotificationOnly bool
}

// DirectMessage is a 1:1 send.
type DirectMessage struct {
	SenderID    int64
	ReceiverID  int64
	SenderName  string
	Content     string
	IsAnonymous bool
}

func rejected(err error) (Outcome, error) {
	return Outcome{Stage: StageRejected}, err
}

// SendCommunityMessage persists a chat message and pushes it to every
// session in the community room, or turns it into an announcement when
// NotificationOnly is set or an admin sends it under the legacy option.
func (e *Engine) SendCommunityMessage(ctx context.Context, in CommunityMessage) (Outcome, error) {
	if in.CommunityID <= 0 {
		return rejected(types.ErrMissingCommunity)
	}
	if in.SenderID <= 0 {
		return rejected(types.ErrMissingSender)
	}
	if err := types.ValidateContent(in.Content); err != nil {
		return rejected(err)
	}

	community, err := e.store.GetCommunity(ctx, in.CommunityID)
	if err != nil {
		return rejected(err)
	}
	sender, err := e.store.GetUser(ctx, in.SenderID)
	if err != nil {
		return rejected(err)
	}

	if in.NotificationOnly || (e.opts.LegacyAdminAnnouncements && sender.Role == types.RoleAdmin) {
		return e.announce(ctx, community, sender, in)
	}

	msg := &types.Message{
		Scope:       types.CommunityScope(community.ID),
		SenderID:    sender.ID,
		Content:     in.Content,
		IsAnonymous: in.IsAnonymous,
	}
	if err := e.store.PersistMessage(ctx, msg); err != nil {
		return rejected(err)
	}
	msg.SenderName = displayName(in.SenderName, sender)
	metrics.MessagesPersisted.WithLabelValues(string(types.ScopeCommunity)).Inc()

	out := Outcome{Stage: StagePersisted, Message: msg}

	// The row is stored; a membership lookup failure only costs the live push.
	members, err := e.audience(ctx, community.ID, sender.ID)
	if err != nil {
		e.logger.Warn().Err(err).Int64("message_id", msg.ID).Msg("recipient resolution failed, fan-out skipped")
	} else {
		out.Delivered = e.deliverMessage(members, EventNewMessage, msg)
	}
	out.Stage = StageFannedOut

	e.logger.Debug().
		Int64("message_id", msg.ID).
		Int64("community_id", community.ID).
		Bool("anonymous", msg.IsAnonymous).
		Int("delivered", out.Delivered).
		Msg("community message sent")

	out.Stage = StageAcknowledged
	return out, nil
}

// announce notifies every member of the community except the sender
// instead of storing a chat row.
func (e *Engine) announce(ctx context.Context, community *types.Community, sender *types.User, in CommunityMessage) (Outcome, error) {
	recipients, err := e.rooms.RecipientsFor(ctx, community.ID, sender.ID)
	if err != nil {
		return rejected(err)
	}

	tmpl := types.Notification{
		Title:    fmt.Sprintf("New announcement in %s", community.Name),
		Message:  in.Content,
		Type:     types.NotificationTypeAnnouncement,
		CourseID: types.Int64Ptr(community.CourseID),
	}
	if !in.IsAnonymous {
		tmpl.SenderID = types.Int64Ptr(sender.ID)
	}

	created, failures := e.notifier.NotifyMany(ctx, recipients, tmpl)
	if len(created) == 0 && len(failures) > 0 {
		e.logger.Warn().
			Int64("community_id", community.ID).
			Int("failed", len(failures)).
			Msg("announcement reached no recipient")
		return Outcome{Stage: StageRejected, Failures: failures}, ErrAnnouncementFailed
	}

	e.logger.Info().
		Int64("community_id", community.ID).
		Int64("sender_id", sender.ID).
		Int("created", len(created)).
		Int("failed", len(failures)).
		Msg("announcement sent")

	return Outcome{
		Stage:         StageAcknowledged,
		Notifications: created,
		Failures:      failures,
		Delivered:     len(created),
	}, nil
}

// SendDirectMessage persists a 1:1 message, pushes it to every session of
// the receiver and echoes it to every session of the sender.
func (e *Engine) SendDirectMessage(ctx context.Context, in DirectMessage) (Outcome, error) {
	if in.SenderID <= 0 {
		return rejected(types.ErrMissingSender)
	}
	if in.ReceiverID <= 0 {
		return rejected(types.ErrMissingReceiver)
	}
	if in.SenderID == in.ReceiverID {
		return rejected(types.ErrSelfDirectMessage)
	}
	if err := types.ValidateContent(in.Content); err != nil {
		return rejected(err)
	}

	sender, err := e.store.GetUser(ctx, in.SenderID)
	if err != nil {
		return rejected(err)
	}

	msg := &types.Message{
		Scope:       types.DirectScope(in.ReceiverID),
		SenderID:    sender.ID,
		Content:     in.Content,
		IsAnonymous: in.IsAnonymous,
	}
	if err := e.store.PersistMessage(ctx, msg); err != nil {
		return rejected(err)
	}
	msg.SenderName = displayName(in.SenderName, sender)
	metrics.MessagesPersisted.WithLabelValues(string(types.ScopeDirect)).Inc()

	out := Outcome{Stage: StagePersisted, Message: msg}
	out.Delivered = presence.Deliver(e.logger, e.presence.SessionsFor(in.ReceiverID), EventNewDirectMessage, types.ProjectMessage(msg, in.ReceiverID))
	out.Delivered += presence.Deliver(e.logger, e.presence.SessionsFor(sender.ID), EventDirectMessageSent, types.ProjectMessage(msg, sender.ID))
	out.Stage = StageFannedOut

	e.logger.Debug().
		Int64("message_id", msg.ID).
		Int64("receiver_id", in.ReceiverID).
		Int("delivered", out.Delivered).
		Msg("direct message sent")

	out.Stage = StageAcknowledged
	return out, nil
}

// DeleteMessage hard deletes one message owned by callerID. A non-zero
// communityID must match the message's community.
func (e *Engine) DeleteMessage(ctx context.Context, messageID, callerID, communityID int64) (Outcome, error) {
	if messageID <= 0 {
		return rejected(types.ErrMissingMessageID)
	}
	if callerID <= 0 {
		return rejected(types.ErrMissingUser)
	}

	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return rejected(err)
	}
	if communityID != 0 && (msg.Scope.Kind != types.ScopeCommunity || msg.Scope.CommunityID != communityID) {
		return rejected(fmt.Errorf("%w: message %d in community %d", types.ErrNotFound, messageID, communityID))
	}
	if msg.Scope.Kind == types.ScopeCommunity {
		if _, err := e.store.GetCommunity(ctx, msg.Scope.CommunityID); err != nil {
			return rejected(err)
		}
	}
	if msg.SenderID != callerID {
		return rejected(ErrNotMessageSender)
	}

	deleted, err := e.store.DeleteMessages(ctx, []int64{messageID}, callerID, msg.Scope)
	if err != nil {
		return rejected(err)
	}
	if len(deleted) == 0 {
		return rejected(fmt.Errorf("%w: message %d", types.ErrNotFound, messageID))
	}
	metrics.MessagesDeleted.Add(float64(len(deleted)))

	out := Outcome{Stage: StagePersisted, Message: msg, Deleted: deleted}
	out.Delivered = e.broadcastDeleted(ctx, msg.Scope, callerID, deleted)
	out.Stage = StageAcknowledged
	return out, nil
}

// DeleteMultiple removes the subset of ids that exist in scope and were sent
// by callerID. Everything else is skipped silently.
func (e *Engine) DeleteMultiple(ctx context.Context, ids []int64, callerID int64, scope types.Scope) (Outcome, error) {
	if callerID <= 0 {
		return rejected(types.ErrMissingUser)
	}
	if err := scope.Validate(); err != nil {
		return rejected(err)
	}

	deleted, err := e.store.DeleteMessages(ctx, ids, callerID, scope)
	if err != nil {
		return rejected(err)
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	metrics.MessagesDeleted.Add(float64(len(deleted)))

	out := Outcome{Stage: StagePersisted, Deleted: deleted}
	out.Delivered = e.broadcastDeleted(ctx, scope, callerID, deleted)

	e.logger.Debug().
		Int64("caller_id", callerID).
		Int("requested", len(ids)).
		Int("deleted", len(deleted)).
		Msg("bulk delete")

	out.Stage = StageAcknowledged
	return out, nil
}

// MarkRead flips unread messages the viewer did not send. Repeating it
// affects nothing.
func (e *Engine) MarkRead(ctx context.Context, f types.ReadFilter) (Outcome, error) {
	if err := f.Validate(); err != nil {
		return rejected(err)
	}
	affected, err := e.store.MarkMessagesRead(ctx, f)
	if err != nil {
		return rejected(err)
	}
	return Outcome{Stage: StageAcknowledged, Affected: affected}, nil
}

// CountUnread counts the messages MarkRead would flip.
func (e *Engine) CountUnread(ctx context.Context, f types.ReadFilter) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	return e.store.CountUnread(ctx, f)
}

// CommunityHistory returns the community's messages as viewerID sees them.
func (e *Engine) CommunityHistory(ctx context.Context, communityID, viewerID int64) ([]types.MessageView, error) {
	if communityID <= 0 {
		return nil, types.ErrMissingCommunity
	}
	if viewerID <= 0 {
		return nil, types.ErrMissingUser
	}
	messages, err := e.store.ListCommunityMessages(ctx, communityID)
	if err != nil {
		return nil, err
	}
	return types.ProjectMessages(messages, viewerID), nil
}

// DirectHistory returns the conversation between viewerID and peerID as
// viewerID sees it.
func (e *Engine) DirectHistory(ctx context.Context, viewerID, peerID int64) ([]types.MessageView, error) {
	if viewerID <= 0 {
		return nil, types.ErrMissingUser
	}
	if peerID <= 0 {
		return nil, types.ErrMissingReceiver
	}
	messages, err := e.store.ListDirectMessages(ctx, viewerID, peerID)
	if err != nil {
		return nil, err
	}
	return types.ProjectMessages(messages, viewerID), nil
}

// deliverMessage pushes msg to members, masking the sender for everyone the
// anonymity rule hides it from.
func (e *Engine) deliverMessage(members []presence.Member, event string, msg *types.Message) int {
	var revealed, masked []interfaces.Session
	for _, m := range members {
		if msg.RevealsSender(m.UserID) {
			revealed = append(revealed, m.Session)
		} else {
			masked = append(masked, m.Session)
		}
	}

	delivered := 0
	if len(revealed) > 0 {
		delivered += presence.Deliver(e.logger, revealed, event, types.ProjectMessage(msg, msg.SenderID))
	}
	if len(masked) > 0 {
		delivered += presence.Deliver(e.logger, masked, event, types.ProjectMessage(msg, 0))
	}
	return delivered
}

// audience returns the subscribers of the community room who belong to the
// community right now, plus any session of include. Enrollment is resolved
// fresh on every call, so a removed student stops receiving at once.
func (e *Engine) audience(ctx context.Context, communityID, include int64) ([]presence.Member, error) {
	members := e.presence.RoomMembers(types.CommunityRoom(communityID))
	if len(members) == 0 {
		return nil, nil
	}

	recipients, err := e.rooms.RecipientsFor(ctx, communityID)
	if err != nil {
		return nil, err
	}
	allowed := make(map[int64]struct{}, len(recipients)+1)
	for _, id := range recipients {
		allowed[id] = struct{}{}
	}
	if include > 0 {
		allowed[include] = struct{}{}
	}

	out := make([]presence.Member, 0, len(members))
	for _, m := range members {
		if _, ok := allowed[m.UserID]; ok && m.UserID > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

// broadcastDeleted tells the original audience of scope that ids are gone.
func (e *Engine) broadcastDeleted(ctx context.Context, scope types.Scope, senderID int64, ids []int64) int {
	if len(ids) == 0 {
		return 0
	}

	var sessions []interfaces.Session
	switch scope.Kind {
	case types.ScopeCommunity:
		members, err := e.audience(ctx, scope.CommunityID, senderID)
		if err != nil {
			e.logger.Warn().Err(err).Int64("community_id", scope.CommunityID).Msg("recipient resolution failed, delete broadcast skipped")
			return 0
		}
		for _, m := range members {
			sessions = append(sessions, m.Session)
		}
	case types.ScopeDirect:
		sessions = append(e.presence.SessionsFor(senderID), e.presence.SessionsFor(scope.ReceiverID)...)
	}

	delivered := 0
	for _, id := range ids {
		delivered += presence.Deliver(e.logger, sessions, EventMessageDeleted, MessageDeletedPayload{MessageID: id})
	}
	return delivered
}

func displayName(claimed string, sender *types.User) string {
	if claimed != "" {
		return claimed
	}
	return sender.Name
}

