package signaling

import (
	"github.com/pkg/errors"

	"github.com/lanikai/minilivechat/internal/core"
)

// Sentinel errors for the dispatcher. Each maps to a wire error code;
// the reason string travels in the ERROR payload.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidOpcode    = errors.New("invalid opcode")
	ErrInvalidPayload   = errors.New("invalid payload")

	ErrChannelNotFound = errors.New("channel not found")
	ErrNotInChannel    = errors.New("not in channel")

	ErrEmptyMessage        = errors.New("empty message")
	ErrMessageTooLong      = errors.New("message too long")
	ErrMessageNotInChannel = errors.New("message target is not the joined channel")
)

// Wire error codes: 1xxx connection/auth, 2xxx channel, 3xxx message,
// 9xxx internal.
const (
	CodeNotAuthenticated = 1000
	CodeInvalidToken     = 1001
	CodeInvalidOpcode    = 1003
	CodeInvalidPayload   = 1004

	CodeChannelNotFound     = 2000
	CodeChannelFull         = 2001
	CodeChannelAccessDenied = 2002
	CodeAlreadyInChannel    = 2003
	CodeNotInChannel        = 2004

	CodeEmptyMessage        = 3000
	CodeMessageTooLong      = 3001
	CodeMessageNotInChannel = 3002

	CodeInternal = 9000
)

// toErrorCode maps an error to its wire code. Channel membership errors
// originate in the core package.
func toErrorCode(err error) int {
	switch errors.Cause(err) {
	case ErrNotAuthenticated:
		return CodeNotAuthenticated
	case ErrInvalidToken:
		return CodeInvalidToken
	case ErrInvalidOpcode:
		return CodeInvalidOpcode
	case ErrInvalidPayload:
		return CodeInvalidPayload
	case ErrChannelNotFound:
		return CodeChannelNotFound
	case core.ErrChannelFull:
		return CodeChannelFull
	case core.ErrAlreadyInChannel:
		return CodeAlreadyInChannel
	case ErrNotInChannel:
		return CodeNotInChannel
	case ErrEmptyMessage:
		return CodeEmptyMessage
	case ErrMessageTooLong:
		return CodeMessageTooLong
	case ErrMessageNotInChannel:
		return CodeMessageNotInChannel
	default:
		return CodeInternal
	}
}
