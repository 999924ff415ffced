package presence

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"campushub/pkg/interfaces"
)

type recordingSession struct {
	id     string
	fail   bool
	events []string
}

func (r *recordingSession) ID() string { return r.id }
func (r *recordingSession) Send(event string, payload interface{}) error {
	if r.fail {
		return errors.New("closed")
	}
	r.events = append(r.events, event)
	return nil
}
func (r *recordingSession) Close() error { return nil }

func TestDeliver_SkipsFailingSessions(t *testing.T) {
	ok1 := &recordingSession{id: "1"}
	broken := &recordingSession{id: "2", fail: true}
	ok2 := &recordingSession{id: "3"}

	n := Deliver(zerolog.Nop(), []interfaces.Session{ok1, broken, ok2}, "new-message", nil)
	if n != 2 {
		t.Errorf("Expected 2 deliveries, got %d", n)
	}
	if len(ok1.events) != 1 || len(ok2.events) != 1 {
		t.Errorf("Expected healthy sessions to receive the event")
	}
}

func TestDeliver_NoSessions(t *testing.T) {
	if n := Deliver(zerolog.Nop(), nil, "new-message", nil); n != 0 {
		t.Errorf("Expected 0, got %d", n)
	}
}
