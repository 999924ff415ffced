package rooms

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"campushub/pkg/types"
)

type mockSource struct {
	members map[int64][]int64
	err     error
	calls   int
}

func (m *mockSource) CommunityRecipients(ctx context.Context, communityID int64) ([]int64, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	ids, ok := m.members[communityID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return append([]int64(nil), ids...), nil
}

func TestResolver_ExcludesSenderAndDeduplicates(t *testing.T) {
	src := &mockSource{members: map[int64][]int64{1: {10, 11, 12, 11, 99}}}
	r := NewResolver(src, zerolog.Nop())

	ids, err := r.RecipientsFor(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("RecipientsFor failed: %v", err)
	}
	want := []int64{11, 12, 99}
	if len(ids) != len(want) {
		t.Fatalf("Expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, ids)
		}
	}
}

func TestResolver_MissingCommunityIsEmpty(t *testing.T) {
	r := NewResolver(&mockSource{members: map[int64][]int64{}}, zerolog.Nop())

	ids, err := r.RecipientsFor(context.Background(), 42)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected empty set, got %v", ids)
	}
}

func TestResolver_StorageFailureSurfaces(t *testing.T) {
	r := NewResolver(&mockSource{err: errors.New("connection refused")}, zerolog.Nop())

	_, err := r.RecipientsFor(context.Background(), 1)
	if !errors.Is(err, types.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
}

func TestResolver_NeverCaches(t *testing.T) {
	src := &mockSource{members: map[int64][]int64{1: {10}}}
	r := NewResolver(src, zerolog.Nop())

	_, _ = r.RecipientsFor(context.Background(), 1)
	src.members[1] = []int64{10, 20}
	ids, _ := r.RecipientsFor(context.Background(), 1)

	if src.calls != 2 {
		t.Errorf("Expected a query per call, got %d", src.calls)
	}
	if len(ids) != 2 {
		t.Errorf("Expected new enrollment to be visible, got %v", ids)
	}
}

func TestResolver_RejectsInvalidCommunity(t *testing.T) {
	r := NewResolver(&mockSource{}, zerolog.Nop())

	if _, err := r.RecipientsFor(context.Background(), 0); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}
