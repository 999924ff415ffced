package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"campushub/pkg/types"
)

// Inbound event names.
const (
	EventRegister          = "register"
	EventJoinCommunity     = "join-community"
	EventLeaveCommunity    = "leave-community"
	EventSendMessage       = "send-message"
	EventDeleteMessage     = "delete-message"
	EventTyping            = "typing"
	EventSendDirectMessage = "send-direct-message"
	EventDMTyping          = "dm-typing"
)

// Outbound event names.
const (
	EventUserStatus        = "user-status"
	EventNewMessage        = "new-message"
	EventMessageDeleted    = "message-deleted"
	EventUserTyping        = "user-typing"
	EventNewDirectMessage  = "new-direct-message"
	EventDirectMessageSent = "direct-message-sent"
	EventDMUserTyping      = "dm-user-typing"
	EventError             = "error"
)

// Event is one decoded inbound client event.
type Event interface {
	EventName() string
}

// ID accepts a JSON number or a numeric string.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", s)
		}
		*id = ID(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*id = ID(v)
	return nil
}

// Register binds the session to a user.
type Register struct {
	UserID ID `json:"userId"`
}

// JoinCommunity subscribes the session to a community room.
type JoinCommunity struct {
	CommunityID ID `json:"communityId"`
}

// LeaveCommunity unsubscribes the session from a community room.
type LeaveCommunity struct {
	CommunityID ID `json:"communityId"`
}

// SendMessage posts into a community, or announces when NotificationOnly is set.
type SendMessage struct {
	CommunityID      ID     `json:"communityId"`
	Message          string `json:"message"`
	SenderID         ID     `json:"senderId"`
	SenderName       string `json:"senderName"`
	IsAnonymous      bool   `json:"isAnonymous"`
	NotificationOnly bool   `json:"notificationOnly"`
}

// DeleteMessage removes one of the caller's messages.
type DeleteMessage struct {
	MessageID   ID `json:"messageId"`
	CommunityID ID `json:"communityId"`
}

// Typing reports a typing indicator change in a community.
type Typing struct {
	CommunityID ID     `json:"communityId"`
	UserName    string `json:"userName"`
	IsTyping    bool   `json:"isTyping"`
}

// SendDirectMessage sends a one-to-one message.
type SendDirectMessage struct {
	SenderID    ID     `json:"senderId"`
	ReceiverID  ID     `json:"receiverId"`
	Message     string `json:"message"`
	SenderName  string `json:"senderName"`
	IsAnonymous bool   `json:"isAnonymous"`
}

// DMTyping reports a typing indicator change to one peer.
type DMTyping struct {
	ReceiverID ID     `json:"receiverId"`
	SenderName string `json:"senderName"`
	IsTyping   bool   `json:"isTyping"`
}

func (Register) EventName() string          { return EventRegister }
func (JoinCommunity) EventName() string     { return EventJoinCommunity }
func (LeaveCommunity) EventName() string    { return EventLeaveCommunity }
func (SendMessage) EventName() string       { return EventSendMessage }
func (DeleteMessage) EventName() string     { return EventDeleteMessage }
func (Typing) EventName() string            { return EventTyping }
func (SendDirectMessage) EventName() string { return EventSendDirectMessage }
func (DMTyping) EventName() string          { return EventDMTyping }

// Outbound payloads.

// UserStatusPayload announces a user's first connect or last disconnect.
type UserStatusPayload struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"` // "online" or "offline"
}

// MessageDeletedPayload names a removed message.
type MessageDeletedPayload struct {
	MessageID int64 `json:"messageId"`
}

// UserTypingPayload relays community typing to the other room members.
type UserTypingPayload struct {
	CommunityID int64  `json:"communityId"`
	UserName    string `json:"userName"`
	IsTyping    bool   `json:"isTyping"`
}

// DMUserTypingPayload relays direct typing to the receiver.
type DMUserTypingPayload struct {
	SenderID   int64  `json:"senderId"`
	SenderName string `json:"senderName"`
	IsTyping   bool   `json:"isTyping"`
}

// ErrorPayload is sent to the originating session when an event is rejected.
type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode turns a named raw payload into its typed event. register,
// join-community and leave-community also accept a bare id as the payload.
func Decode(name string, raw json.RawMessage) (Event, error) {
	switch name {
	case EventRegister:
		var ev Register
		if err := decodeIDOrObject(raw, &ev.UserID, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventJoinCommunity:
		var ev JoinCommunity
		if err := decodeIDOrObject(raw, &ev.CommunityID, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventLeaveCommunity:
		var ev LeaveCommunity
		if err := decodeIDOrObject(raw, &ev.CommunityID, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventSendMessage:
		return decodeAs[SendMessage](raw)
	case EventDeleteMessage:
		return decodeAs[DeleteMessage](raw)
	case EventTyping:
		return decodeAs[Typing](raw)
	case EventSendDirectMessage:
		return decodeAs[SendDirectMessage](raw)
	case EventDMTyping:
		return decodeAs[DMTyping](raw)
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownEvent, name)
	}
}

func decodeIDOrObject(raw json.RawMessage, id *ID, obj interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return types.ErrMalformedPayload
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, obj); err != nil {
			return fmt.Errorf("%w: %v", types.ErrMalformedPayload, err)
		}
		return nil
	}
	if err := id.UnmarshalJSON(trimmed); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedPayload, err)
	}
	return nil
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var ev T
	if err := decodeObject(raw, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeObject(raw json.RawMessage, obj interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return types.ErrMalformedPayload
	}
	if err := json.Unmarshal(trimmed, obj); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedPayload, err)
	}
	return nil
}
