package engine

import (
	"sync"
	"time"
)

// typingThrottle decides which typing signals are forwarded. A signal passes
// when its state differs from the last forwarded one for the same session and
// scope, or when window has elapsed since that forward.
type typingThrottle struct {
	mu       sync.Mutex
	window   time.Duration
	sessions map[string]map[string]typingState
}

type typingState struct {
	typing bool
	at     time.Time
}

func newTypingThrottle(window time.Duration) *typingThrottle {
	return &typingThrottle{
		window:   window,
		sessions: make(map[string]map[string]typingState),
	}
}

func (t *typingThrottle) allow(sessionID, scope string, isTyping bool, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	scopes, ok := t.sessions[sessionID]
	if !ok {
		scopes = make(map[string]typingState)
		t.sessions[sessionID] = scopes
	}
	if last, seen := scopes[scope]; seen && last.typing == isTyping && now.Sub(last.at) < t.window {
		return false
	}
	scopes[scope] = typingState{typing: isTyping, at: now}
	return true
}

// forget drops all state of a closed session.
func (t *typingThrottle) forget(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// cleanup drops entries whose window has long passed.
func (t *typingThrottle) cleanup(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, scopes := range t.sessions {
		for scope, st := range scopes {
			if now.Sub(st.at) > t.window {
				delete(scopes, scope)
			}
		}
		if len(scopes) == 0 {
			delete(t.sessions, id)
		}
	}
}
