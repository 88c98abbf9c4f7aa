package ws

import (
	"context"
	"encoding/json"

	"griddesk/internal/schema"
	"griddesk/internal/session"

	"go.uber.org/zap"
)

// CommandHandler processes workflow commands arriving over WebSocket. The
// browser can drive an entire cancellation without touching the REST surface:
// create a session, subscribe to its channel, then dispatch events and watch
// snapshots arrive.
type CommandHandler struct {
	sessions *session.Manager
	events   *schema.Events
	log      *zap.Logger
}

func NewCommandHandler(sessions *session.Manager, events *schema.Events, log *zap.Logger) *CommandHandler {
	return &CommandHandler{
		sessions: sessions,
		events:   events,
		log:      log,
	}
}

// HandleCommand processes one "cmd" message
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	switch op {
	case "createSession":
		h.handleCreateSession(conn, msgID)
	case "getState":
		h.handleGetState(conn, msgID, data)
	case "dispatch":
		h.handleDispatch(conn, msgID, data)
	case "discardSession":
		h.handleDiscardSession(conn, msgID, data)
	default:
		h.sendError(conn, msgID, "unknown_command", "Unknown command: "+op)
	}
}

func (h *CommandHandler) handleCreateSession(conn *Conn, msgID string) {
	s := h.sessions.Create(conn.operator)
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]interface{}{
			"sessionId": s.ID,
			"state":     s.State(),
		},
	})
}

func (h *CommandHandler) handleGetState(conn *Conn, msgID string, data map[string]interface{}) {
	sessionID, _ := data["sessionId"].(string)
	if sessionID == "" {
		h.sendError(conn, msgID, "invalid_input", "sessionId required")
		return
	}

	s, err := h.sessions.Get(sessionID)
	if err != nil {
		h.sendError(conn, msgID, "not_found", err.Error())
		return
	}

	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]interface{}{
			"sessionId": s.ID,
			"state":     s.State(),
		},
	})
}

func (h *CommandHandler) handleDispatch(conn *Conn, msgID string, data map[string]interface{}) {
	sessionID, _ := data["sessionId"].(string)
	payload, _ := data["event"].(map[string]interface{})
	if sessionID == "" || payload == nil {
		h.sendError(conn, msgID, "invalid_input", "sessionId and event required")
		return
	}

	evType, _ := payload["type"].(string)
	if err := h.events.ValidateEvent(evType, payload); err != nil {
		h.sendError(conn, msgID, "invalid_event", err.Error())
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		h.sendError(conn, msgID, "invalid_event", err.Error())
		return
	}
	var ev session.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.sendError(conn, msgID, "invalid_event", err.Error())
		return
	}

	state, err := h.sessions.Dispatch(sessionID, ev)
	if err != nil {
		h.sendError(conn, msgID, "dispatch_failed", err.Error())
		return
	}

	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]interface{}{
			"sessionId": sessionID,
			"state":     state,
		},
	})
}

func (h *CommandHandler) handleDiscardSession(conn *Conn, msgID string, data map[string]interface{}) {
	sessionID, _ := data["sessionId"].(string)
	if sessionID == "" {
		h.sendError(conn, msgID, "invalid_input", "sessionId required")
		return
	}

	if err := h.sessions.Discard(sessionID); err != nil {
		h.sendError(conn, msgID, "not_found", err.Error())
		return
	}

	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]string{"status": "DISCARDED"},
	})
}

func (h *CommandHandler) sendResponse(conn *Conn, msgID string, response map[string]interface{}) {
	if msgID != "" {
		response["id"] = msgID
	}
	msg, _ := json.Marshal(response)
	select {
	case conn.send <- msg:
	default:
		h.log.Warn("Failed to send response, channel full")
	}
}

func (h *CommandHandler) sendError(conn *Conn, msgID, code, message string) {
	errMsg := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		errMsg["id"] = msgID
	}
	msg, _ := json.Marshal(errMsg)
	select {
	case conn.send <- msg:
	default:
		h.log.Warn("Failed to send error, channel full")
	}
}
