package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"campushub/internal/metrics"
	"campushub/internal/presence"
	"campushub/internal/rooms"
	"campushub/pkg/interfaces"
	"campushub/pkg/types"
)

// Stage is where an event ended up in the pipeline
// received -> persisted -> fanned-out -> acknowledged | rejected.
type Stage string

const (
	StageReceived     Stage = "received"
	StagePersisted    Stage = "persisted"
	StageFannedOut    Stage = "fanned-out"
	StageAcknowledged Stage = "acknowledged"
	StageRejected     Stage = "rejected"
)

const (
	janitorInterval = time.Minute
	limiterIdle     = 5 * time.Minute
)

// Outcome reports what one operation did.
type Outcome struct {
	Stage         Stage
	Message       *types.Message
	Notifications []*types.Notification
	Failures      map[int64]error
	Deleted       []int64
	Affected      int64
	Delivered     int
}

// Notifier creates notifications for many recipients at once.
type Notifier interface {
	NotifyMany(ctx context.Context, recipients []int64, tmpl types.Notification) ([]*types.Notification, map[int64]error)
}

// Options tunes the engine.
type Options struct {
	// RatePerSecond and Burst bound inbound events per user. Zero disables limiting.
	RatePerSecond float64
	Burst         int

	// TypingWindow is the minimum gap between two identical typing signals.
	TypingWindow time.Duration

	// LegacyAdminAnnouncements turns every community message sent by an admin
	// into an announcement, as older admin tooling expects.
	LegacyAdminAnnouncements bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		RatePerSecond:            10,
		Burst:                    20,
		TypingWindow:             2 * time.Second,
		LegacyAdminAnnouncements: true,
	}
}

// Engine routes chat, typing and presence events between sessions and
// persists what needs persisting. Each session's events are handled
// synchronously on the caller's goroutine; sessions run concurrently.
type Engine struct {
	store    interfaces.Store
	presence *presence.Registry
	rooms    *rooms.Resolver
	notifier Notifier

	limiter *limiter
	typing  *typingThrottle
	opts    Options
	logger  zerolog.Logger
}

// New creates an engine.
func New(store interfaces.Store, registry *presence.Registry, resolver *rooms.Resolver, notifier Notifier, opts Options, logger zerolog.Logger) *Engine {
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = DefaultOptions().TypingWindow
	}
	return &Engine{
		store:    store,
		presence: registry,
		rooms:    resolver,
		notifier: notifier,
		limiter:  newLimiter(opts.RatePerSecond, opts.Burst),
		typing:   newTypingThrottle(opts.TypingWindow),
		opts:     opts,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// Presence exposes the registry for read-only callers such as the API.
func (e *Engine) Presence() *presence.Registry {
	return e.presence
}

// Run cleans idle rate limiter buckets and stale typing state until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Debug().Msg("janitor stopped")
			return
		case now := <-ticker.C:
			removed := e.limiter.cleanup(limiterIdle)
			e.typing.cleanup(now)
			if removed > 0 {
				e.logger.Debug().Int("removed", removed).Msg("dropped idle rate limiters")
			}
		}
	}
}

// Connect starts tracking a new session.
func (e *Engine) Connect(s interfaces.Session) error {
	if err := e.presence.Connect(s); err != nil {
		return err
	}
	e.logger.Debug().Str("session_id", s.ID()).Msg("session connected")
	return nil
}

// Disconnect forgets the session and announces the user offline when it
// was their last one.
func (e *Engine) Disconnect(s interfaces.Session) {
	userID, last := e.presence.Unregister(s)
	e.typing.forget(s.ID())

	if !last {
		return
	}
	delivered := presence.Deliver(e.logger, e.presence.AllSessions(), EventUserStatus, UserStatusPayload{UserID: userID, Status: "offline"})
	e.logger.Info().Int64("user_id", userID).Int("notified", delivered).Msg("user offline")
}

// HandleEvent decodes a raw inbound event and dispatches it.
func (e *Engine) HandleEvent(ctx context.Context, s interfaces.Session, name string, raw json.RawMessage) (Outcome, error) {
	ev, err := Decode(name, raw)
	if err != nil {
		e.reject(s, name, err)
		metrics.EventsTotal.WithLabelValues(metricEventName(name), string(StageRejected)).Inc()
		return Outcome{Stage: StageRejected}, err
	}
	return e.Dispatch(ctx, s, ev)
}

// Dispatch runs one typed event for session s. Errors are reported to s as
// an error event and also returned.
func (e *Engine) Dispatch(ctx context.Context, s interfaces.Session, ev Event) (out Outcome, err error) {
	name := ev.EventName()
	defer func() {
		if err != nil {
			out.Stage = StageRejected
			e.reject(s, name, err)
		} else {
			out.Stage = StageAcknowledged
		}
		metrics.EventsTotal.WithLabelValues(name, string(out.Stage)).Inc()
	}()

	if !e.limiter.allow(e.rateKey(s)) {
		metrics.RateLimitHits.Inc()
		return out, types.ErrRateLimited
	}

	switch ev := ev.(type) {
	case Register:
		return e.register(s, int64(ev.UserID))
	case JoinCommunity:
		return e.join(s, int64(ev.CommunityID))
	case LeaveCommunity:
		return e.leave(s, int64(ev.CommunityID))
	case SendMessage:
		sender, err := e.senderFor(s, int64(ev.SenderID))
		if err != nil {
			return out, err
		}
		return e.SendCommunityMessage(ctx, CommunityMessage{
			CommunityID:      int64(ev.CommunityID),
			SenderID:         sender,
			SenderName:       ev.SenderName,
			Content:          ev.Message,
			IsAnonymous:      ev.IsAnonymous,
			NotificationOnly: ev.NotificationOnly,
		})
	case SendDirectMessage:
		sender, err := e.senderFor(s, int64(ev.SenderID))
		if err != nil {
			return out, err
		}
		return e.SendDirectMessage(ctx, DirectMessage{
			SenderID:    sender,
			ReceiverID:  int64(ev.ReceiverID),
			SenderName:  ev.SenderName,
			Content:     ev.Message,
			IsAnonymous: ev.IsAnonymous,
		})
	case DeleteMessage:
		caller, ok := e.presence.UserOf(s)
		if !ok {
			return out, types.ErrNotRegistered
		}
		return e.DeleteMessage(ctx, int64(ev.MessageID), caller, int64(ev.CommunityID))
	case Typing:
		return e.communityTyping(ctx, s, ev)
	case DMTyping:
		return e.directTyping(s, ev)
	default:
		return out, types.ErrUnknownEvent
	}
}

func (e *Engine) rateKey(s interfaces.Session) string {
	if userID, ok := e.presence.UserOf(s); ok {
		return "user:" + strconv.FormatInt(userID, 10)
	}
	return "session:" + s.ID()
}

// senderFor resolves the acting user of a send. A registered session may
// only act as itself; an unregistered one must name its sender.
func (e *Engine) senderFor(s interfaces.Session, claimed int64) (int64, error) {
	registered, ok := e.presence.UserOf(s)
	switch {
	case ok && claimed != 0 && claimed != registered:
		return 0, ErrSenderMismatch
	case ok:
		return registered, nil
	case claimed <= 0:
		return 0, types.ErrMissingSender
	default:
		return claimed, nil
	}
}

func (e *Engine) reject(s interfaces.Session, event string, err error) {
	code := types.ErrorCode(err)
	msg := err.Error()

	switch code {
	case "storage_unavailable", "internal":
		e.logger.Warn().Err(err).Str("event", event).Str("session_id", s.ID()).Msg("event failed")
		msg = "the service is temporarily unavailable, please retry"
	default:
		e.logger.Debug().Err(err).Str("event", event).Str("session_id", s.ID()).Msg("event rejected")
	}

	if sendErr := s.Send(EventError, ErrorPayload{Event: event, Code: code, Message: msg}); sendErr != nil {
		e.logger.Debug().Err(sendErr).Str("session_id", s.ID()).Msg("recipient unreachable")
	}
}

func (e *Engine) register(s interfaces.Session, userID int64) (Outcome, error) {
	first, err := e.presence.Register(userID, s)
	switch {
	case errors.Is(err, presence.ErrInvalidUserID):
		return Outcome{}, types.ErrMissingUser
	case errors.Is(err, presence.ErrBoundToOtherUser):
		return Outcome{}, ErrSessionBound
	case err != nil:
		return Outcome{}, err
	}

	out := Outcome{}
	if first {
		others := make([]interfaces.Session, 0)
		for _, other := range e.presence.AllSessions() {
			if other.ID() != s.ID() {
				others = append(others, other)
			}
		}
		out.Delivered = presence.Deliver(e.logger, others, EventUserStatus, UserStatusPayload{UserID: userID, Status: "online"})
		e.logger.Info().Int64("user_id", userID).Int("notified", out.Delivered).Msg("user online")
	}
	return out, nil
}

func (e *Engine) join(s interfaces.Session, communityID int64) (Outcome, error) {
	if communityID <= 0 {
		return Outcome{}, types.ErrMissingCommunity
	}
	if err := e.presence.Join(types.CommunityRoom(communityID), s); err != nil {
		return Outcome{}, err
	}
	return Outcome{}, nil
}

func (e *Engine) leave(s interfaces.Session, communityID int64) (Outcome, error) {
	if communityID <= 0 {
		return Outcome{}, types.ErrMissingCommunity
	}
	e.presence.Leave(types.CommunityRoom(communityID), s)
	return Outcome{}, nil
}

func (e *Engine) communityTyping(ctx context.Context, s interfaces.Session, ev Typing) (Outcome, error) {
	communityID := int64(ev.CommunityID)
	if communityID <= 0 {
		return Outcome{}, types.ErrMissingCommunity
	}
	room := types.CommunityRoom(communityID)
	if !e.typing.allow(s.ID(), room, ev.IsTyping, time.Now()) {
		metrics.TypingSuppressed.Inc()
		return Outcome{}, nil
	}

	userID, _ := e.presence.UserOf(s)
	members, err := e.audience(ctx, communityID, userID)
	if err != nil {
		e.logger.Warn().Err(err).Int64("community_id", communityID).Msg("recipient resolution failed, typing dropped")
		return Outcome{}, nil
	}

	var targets []interfaces.Session
	for _, m := range members {
		if m.Session.ID() != s.ID() {
			targets = append(targets, m.Session)
		}
	}
	payload := UserTypingPayload{CommunityID: communityID, UserName: ev.UserName, IsTyping: ev.IsTyping}
	return Outcome{Delivered: presence.Deliver(e.logger, targets, EventUserTyping, payload)}, nil
}

func (e *Engine) directTyping(s interfaces.Session, ev DMTyping) (Outcome, error) {
	sender, ok := e.presence.UserOf(s)
	if !ok {
		return Outcome{}, types.ErrNotRegistered
	}
	receiver := int64(ev.ReceiverID)
	if receiver <= 0 {
		return Outcome{}, types.ErrMissingReceiver
	}
	if !e.typing.allow(s.ID(), "dm-"+strconv.FormatInt(receiver, 10), ev.IsTyping, time.Now()) {
		metrics.TypingSuppressed.Inc()
		return Outcome{}, nil
	}

	payload := DMUserTypingPayload{SenderID: sender, SenderName: ev.SenderName, IsTyping: ev.IsTyping}
	return Outcome{Delivered: presence.Deliver(e.logger, e.presence.SessionsFor(receiver), EventDMUserTyping, payload)}, nil
}

// metricEventName keeps label cardinality bounded for undecodable events.
func metricEventName(name string) string {
	switch name {
	case EventRegister, EventJoinCommunity, EventLeaveCommunity, EventSendMessage,
		EventDeleteMessage, EventTyping, EventSendDirectMessage, EventDMTyping:
		return name
	default:
		return "unknown"
	}
}
