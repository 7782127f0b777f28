package chat

import "errors"

// Send failure taxonomy. Validation and authorization failures carry no side
// effects; a persistence failure means the message was never stored and the
// client must resend.
var (
	// ErrInvalidPayload indicates an empty or oversized message body.
	ErrInvalidPayload = errors.New("chat: invalid payload")
	// ErrUnauthenticated indicates the connection is not registered to any user.
	ErrUnauthenticated = errors.New("chat: unauthenticated")
	// ErrNotAMember indicates the user does not belong to the conversation.
	ErrNotAMember = errors.New("chat: not a member")
	// ErrPersistFailed indicates the message store rejected the append.
	ErrPersistFailed = errors.New("chat: persist failed")
)

// ErrorCode maps a send failure to its wire code. Unknown errors map to
// persist_failed, the only category a client should retry.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotAMember):
		return "not_a_member"
	default:
		return "persist_failed"
	}
}
