package audit

import (
	"context"

	"ticket-chat/pkg/logger"
)

// Audit actions for the ticket chat.
const (
	ActionJoin         = "chat.join"
	ActionLeave        = "chat.leave"
	ActionAccessDenied = "chat.access_denied"
	ActionAccessError  = "chat.access_error"
	ActionSendMessage  = "chat.send_message"
)

const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit entry through the context logger.
func Log(ctx context.Context, action, userID, roomID, msg string) {
	l := logger.Ctx(ctx)
	l.Info().
		Str(logger.FieldLogType, logger.LogTypeAudit).
		Str(FieldAction, action).
		Str(logger.FieldUserID, userID).
		Str(logger.FieldRoomID, roomID).
		Msg(msg)
}

// LogError emits an audit entry at error level carrying err.
func LogError(ctx context.Context, action, userID, roomID string, err error, msg string) {
	l := logger.Ctx(ctx)
	l.Error().
		Str(logger.FieldLogType, logger.LogTypeAudit).
		Str(FieldAction, action).
		Str(logger.FieldUserID, userID).
		Str(logger.FieldRoomID, roomID).
		Err(err).
		Msg(msg)
}
