package presence

import (
	"github.com/rs/zerolog"

	"campushub/internal/metrics"
	"campushub/pkg/interfaces"
)

// Deliver sends event to every session and returns how many accepted it.
// A session that refuses (closed, buffer full) is an unreachable recipient:
// it is logged at debug level and never fails the caller.
func Deliver(logger zerolog.Logger, sessions []interfaces.Session, event string, payload interface{}) int {
	delivered := 0
	for _, s := range sessions {
		if err := s.Send(event, payload); err != nil {
			metrics.PushFailures.WithLabelValues(event).Inc()
			logger.Debug().Err(err).Str("event", event).Str("session_id", s.ID()).Msg("recipient unreachable")
			continue
		}
		delivered++
	}
	return delivered
}
