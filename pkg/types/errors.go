package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the engine, the store and the HTTP layer.
var (
	ErrValidation         = errors.New("validation failure")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// Field-level validation errors. All wrap ErrValidation.
var (
	ErrMissingCommunity  = fmt.Errorf("%w: communityId is required", ErrValidation)
	ErrMissingSender     = fmt.Errorf("%w: senderId is required", ErrValidation)
	ErrMissingReceiver   = fmt.Errorf("%w: receiverId is required", ErrValidation)
	ErrMissingMessageID  = fmt.Errorf("%w: messageId is required", ErrValidation)
	ErrMissingUser       = fmt.Errorf("%w: userId is required", ErrValidation)
	ErrEmptyContent      = fmt.Errorf("%w: message content cannot be empty", ErrValidation)
	ErrContentTooLarge   = fmt.Errorf("%w: message content exceeds 64KB limit", ErrValidation)
	ErrSelfDirectMessage = fmt.Errorf("%w: cannot send a direct message to yourself", ErrValidation)
	ErrEmptyTitle        = fmt.Errorf("%w: notification title is required", ErrValidation)
	ErrInvalidRole       = fmt.Errorf("%w: role must be student, teacher or admin", ErrValidation)
	ErrInvalidScope      = fmt.Errorf("%w: invalid message scope", ErrValidation)
	ErrUnknownEvent      = fmt.Errorf("%w: unknown event", ErrValidation)
	ErrMalformedPayload  = fmt.Errorf("%w: malformed event payload", ErrValidation)
	ErrNotRegistered     = fmt.Errorf("%w: session has not registered a user", ErrValidation)
)

// Unavailable wraps a collaborator failure as ErrStorageUnavailable, keeping
// the cause in the message.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// ErrorCode maps an error onto the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_failure"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}
