package ws

import (
	"context"
	"errors"
	"time"

	"onboardvoice/internal/conversation"
	"onboardvoice/internal/model"
	"onboardvoice/internal/session"

	"go.uber.org/zap"
)

const commandTimeout = 10 * time.Second

// Sessions is the part of the session registry UI hosts drive over the socket.
type Sessions interface {
	View(tenantID, id string) (model.SessionView, error)
	Input(tenantID, id, text string) error
	TurnFinished(tenantID, id string) error
	ExternalAction(ctx context.Context, tenantID, id, kind string) (string, error)
}

// CommandHandler handles WebSocket commands
type CommandHandler struct {
	sessions Sessions
	log      *zap.Logger
}

// NewCommandHandler creates a handler routing commands to sessions.
func NewCommandHandler(sessions Sessions, log *zap.Logger) *CommandHandler {
	return &CommandHandler{sessions: sessions, log: log}
}

// HandleCommand processes {"type":"cmd","op":...,"id":...,"data":{"sessionId":...}}.
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	sessionID, _ := data["sessionId"].(string)
	if sessionID == "" {
		h.sendError(conn, msgID, "invalid_input", "sessionId required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch op {
	case "getSession":
		view, err := h.sessions.View(conn.tenantID, sessionID)
		if err != nil {
			h.sendFailure(conn, msgID, err)
			return
		}
		h.sendResponse(conn, msgID, map[string]interface{}{"type": "response", "data": view})
	case "input":
		text, _ := data["text"].(string)
		if text == "" {
			h.sendError(conn, msgID, "invalid_input", "text required")
			return
		}
		h.reply(conn, msgID, h.sessions.Input(conn.tenantID, sessionID, text))
	case "turnFinished":
		h.reply(conn, msgID, h.sessions.TurnFinished(conn.tenantID, sessionID))
	case "externalAction":
		kind, _ := data["kind"].(string)
		if kind == "" {
			h.sendError(conn, msgID, "invalid_input", "kind required")
			return
		}
		redirect, err := h.sessions.ExternalAction(ctx, conn.tenantID, sessionID, kind)
		if err != nil {
			h.sendFailure(conn, msgID, err)
			return
		}
		h.sendResponse(conn, msgID, map[string]interface{}{
			"type": "response",
			"data": map[string]interface{}{"redirectUrl": redirect},
		})
	default:
		h.sendError(conn, msgID, "unknown_command", "Unknown command: "+op)
	}
}

func (h *CommandHandler) reply(conn *Conn, msgID string, err error) {
	if err != nil {
		h.sendFailure(conn, msgID, err)
		return
	}
	h.sendResponse(conn, msgID, map[string]interface{}{"type": "response", "data": map[string]interface{}{"ok": true}})
}

func (h *CommandHandler) sendFailure(conn *Conn, msgID string, err error) {
	code := "internal_error"
	switch {
	case errors.Is(err, session.ErrNotFound):
		code = "not_found"
	case errors.Is(err, session.ErrUnknownAction):
		code = "invalid_input"
	case errors.Is(err, conversation.ErrInvalidTransition), errors.Is(err, session.ErrNotAwaiting):
		code = "conflict"
	default:
		h.log.Warn("Websocket command failed", zap.Error(err))
	}
	h.sendError(conn, msgID, code, err.Error())
}

func (h *CommandHandler) sendResponse(conn *Conn, msgID string, response map[string]interface{}) {
	if msgID != "" {
		response["id"] = msgID
	}
	if !conn.sendJSON(response) {
		h.log.Warn("Failed to send response, channel full")
	}
}

func (h *CommandHandler) sendError(conn *Conn, msgID, code, message string) {
	msg := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		msg["id"] = msgID
	}
	if !conn.sendJSON(msg) {
		h.log.Warn("Failed to send error, channel full")
	}
}
