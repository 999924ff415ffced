package engine

import (
	"fmt"

	"campushub/pkg/types"
)

var (
	ErrSenderMismatch     = fmt.Errorf("%w: senderId does not match the registered user", types.ErrForbidden)
	ErrNotMessageSender   = fmt.Errorf("%w: only the sender can delete a message", types.ErrForbidden)
	ErrSessionBound       = fmt.Errorf("%w: session is registered to another user", types.ErrForbidden)
	ErrAnnouncementFailed = fmt.Errorf("%w: announcement could not be stored for any recipient", types.ErrStorageUnavailable)
)
