package rooms

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"campushub/pkg/types"
)

// MembershipSource is the slice of the store the resolver reads.
type MembershipSource interface {
	CommunityRecipients(ctx context.Context, communityID int64) ([]int64, error)
}

// Resolver answers "who belongs to this community" with a fresh query per
// call. Results are never cached, so enrollment changes apply to the next event.
type Resolver struct {
	source MembershipSource
	logger zerolog.Logger
}

// NewResolver creates a resolver over source.
func NewResolver(source MembershipSource, logger zerolog.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger.With().Str("component", "rooms").Logger(),
	}
}

// RecipientsFor returns the enrolled students and course teacher of the
// community minus exclude. A missing community or course yields an empty set
// and no error; storage failures are returned so the caller can skip fan-out.
func (r *Resolver) RecipientsFor(ctx context.Context, communityID int64, exclude ...int64) ([]int64, error) {
	if communityID <= 0 {
		return nil, types.ErrMissingCommunity
	}

	ids, err := r.source.CommunityRecipients(ctx, communityID)
	if errors.Is(err, types.ErrNotFound) {
		r.logger.Debug().Int64("community_id", communityID).Msg("community or course missing, no recipients")
		return []int64{}, nil
	}
	if err != nil {
		return nil, types.Unavailable("resolve recipients", err)
	}

	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := skip[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
