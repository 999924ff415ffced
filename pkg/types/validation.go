package types

// MaxContentBytes caps chat and notification bodies.
const MaxContentBytes = 65536

// ValidateContent rejects empty or oversized message bodies.
func ValidateContent(content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	return nil
}

// IsValidRole reports whether role is one of the known user roles.
func IsValidRole(role string) bool {
	switch role {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	default:
		return false
	}
}

// Validate checks a scope is well formed.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeCommunity:
		if s.CommunityID <= 0 {
			return ErrMissingCommunity
		}
	case ScopeDirect:
		if s.ReceiverID <= 0 {
			return ErrMissingReceiver
		}
	default:
		return ErrInvalidScope
	}
	return nil
}

// Validate checks a read filter before it reaches the store.
func (f ReadFilter) Validate() error {
	if f.ViewerID <= 0 {
		return ErrMissingUser
	}
	switch f.Kind {
	case ScopeCommunity:
		if f.CommunityID <= 0 {
			return ErrMissingCommunity
		}
	case ScopeDirect:
		if f.CounterpartID <= 0 {
			return ErrMissingReceiver
		}
	default:
		return ErrInvalidScope
	}
	return nil
}

// Validate checks the fields a notification needs before persistence.
func (n *Notification) Validate() error {
	if n.UserID <= 0 {
		return ErrMissingUser
	}
	if n.Title == "" {
		return ErrEmptyTitle
	}
	if len(n.Message) > MaxContentBytes {
		return ErrContentTooLarge
	}
	if n.TargetRole != nil && !IsValidRole(*n.TargetRole) {
		return ErrInvalidRole
	}
	return nil
}

// RevealsSender is the anonymity rule: identity is shown iff the message is
// not anonymous or the viewer is the sender.
func (m *Message) RevealsSender(viewerID int64) bool {
	return !m.IsAnonymous || m.SenderID == viewerID
}

// ProjectMessage builds the view of m for viewerID, masking the sender when
// the anonymity rule requires it.
func ProjectMessage(m *Message, viewerID int64) MessageView {
	v := MessageView{
		ID:          m.ID,
		CommunityID: m.Scope.CommunityID,
		ReceiverID:  m.Scope.ReceiverID,
		Content:     m.Content,
		IsAnonymous: m.IsAnonymous,
		IsRead:      m.IsRead,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
	}
	if m.RevealsSender(viewerID) {
		id := m.SenderID
		v.SenderID = &id
		v.SenderName = m.SenderName
	} else {
		v.SenderName = AnonymousName
	}
	return v
}

// ProjectMessages applies ProjectMessage to a history slice.
func ProjectMessages(messages []*Message, viewerID int64) []MessageView {
	views := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, ProjectMessage(m, viewerID))
	}
	return views
}
