package interfaces_test

import (
	"errors"
	"testing"

	"campushub/pkg/interfaces"
)

type mockSession struct {
	id     string
	closed bool
}

func (m *mockSession) ID() string { return m.id }
func (m *mockSession) Send(event string, payload interface{}) error {
	if m.closed {
		return interfaces.ErrSessionClosed
	}
	return nil
}
func (m *mockSession) Close() error {
	m.closed = true
	return nil
}

func TestSession_InterfaceContract(t *testing.T) {
	var s interfaces.Session = &mockSession{id: "abc"}

	if s.ID() != "abc" {
		t.Errorf("Expected id abc, got %s", s.ID())
	}
	if err := s.Send("new-message", nil); err != nil {
		t.Errorf("Expected send on open session to succeed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Send("new-message", nil); !errors.Is(err, interfaces.ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestErrors_AreDistinct(t *testing.T) {
	if errors.Is(interfaces.ErrSessionClosed, interfaces.ErrStoreClosed) {
		t.Error("Expected distinct sentinel errors")
	}
}
