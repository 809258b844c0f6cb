package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"basecamp/internal/domain"
	"basecamp/internal/usecase/supervisor"
)

type chatRequest struct {
	TenantID  string             `json:"tenant_id"`
	SessionID string             `json:"session_id"`
	Message   string             `json:"message"`
	Profile   domain.UserProfile `json:"profile"`
}

func (c chatRequest) turn() supervisor.TurnRequest {
	return supervisor.TurnRequest{
		TenantID:  c.TenantID,
		SessionID: c.SessionID,
		Input:     c.Message,
		Profile:   c.Profile,
	}
}

// Frame types sent to chat clients.
const (
	FrameMeta  = "meta"
	FrameChunk = "chunk"
	FrameDone  = "done"
	FrameError = "error"
)

// chatFrame is one event of a chat stream. SSE carries it as the data of
// an event named after Type; the WebSocket sends it as a JSON message.
type chatFrame struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	TurnID    string       `json:"turn_id,omitempty"`
	Route     domain.Route `json:"route,omitempty"`
	Agent     string       `json:"agent,omitempty"`
	Text      string       `json:"text,omitempty"`
	Code      string       `json:"code,omitempty"`
}

func metaFrame(t *supervisor.Turn) chatFrame {
	return chatFrame{Type: FrameMeta, SessionID: t.SessionID, TurnID: t.TurnID, Route: t.Route, Agent: t.Agent}
}

func errorFrame(err error) chatFrame {
	return chatFrame{Type: FrameError, Text: err.Error(), Code: string(domain.ErrorCodeOf(err))}
}

// handleChat streams one turn as server-sent events: a meta event, one
// chunk event per piece of the answer, then done.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	turn, err := s.Turns.HandleTurn(r.Context(), req.turn())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// The turn holds the session until its chunks are drained.
	defer drainTurn(turn)

	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, metaFrame(turn)); err != nil {
		return
	}
	rc.Flush()
	for chunk := range turn.Chunks {
		if err := writeSSE(w, chatFrame{Type: FrameChunk, Text: chunk}); err != nil {
			s.Logger.Debug("chat client went away", "session_id", turn.SessionID, "error", err)
			return
		}
		rc.Flush()
	}
	writeSSE(w, chatFrame{Type: FrameDone, SessionID: turn.SessionID, TurnID: turn.TurnID})
	rc.Flush()
}

func writeSSE(w io.Writer, f chatFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data)
	return err
}

func drainTurn(t *supervisor.Turn) {
	for range t.Chunks {
	}
}

// handleChatWS serves a chat over one WebSocket. Each request frame is a
// turn; turns on a connection run one at a time and reuse the last
// session id when a frame omits it.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	// The server's timeouts would otherwise cut long-lived connections.
	rc := http.NewResponseController(w)
	rc.SetReadDeadline(time.Time{})
	rc.SetWriteDeadline(time.Time{})

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	s.Logger.Debug("chat websocket connected", "remote", r.RemoteAddr)

	var sessionID string
	for {
		var req chatRequest
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.Logger.Debug("chat websocket read failed", "error", err)
			}
			return
		}
		if req.SessionID == "" {
			req.SessionID = sessionID
		}

		id, err := s.streamTurnWS(ctx, ws, req)
		if err != nil {
			s.Logger.Debug("chat websocket write failed", "error", err)
			return
		}
		if id != "" {
			sessionID = id
		}
	}
}

// streamTurnWS runs one turn and writes its frames. A turn error is sent
// as an error frame and the connection stays open.
func (s *Server) streamTurnWS(ctx context.Context, ws *websocket.Conn, req chatRequest) (string, error) {
	turn, err := s.Turns.HandleTurn(ctx, req.turn())
	if err != nil {
		return "", s.writeFrame(ctx, ws, errorFrame(err))
	}
	defer drainTurn(turn)

	if err := s.writeFrame(ctx, ws, metaFrame(turn)); err != nil {
		return "", err
	}
	for chunk := range turn.Chunks {
		if err := s.writeFrame(ctx, ws, chatFrame{Type: FrameChunk, Text: chunk}); err != nil {
			return "", err
		}
	}
	done := chatFrame{Type: FrameDone, SessionID: turn.SessionID, TurnID: turn.TurnID}
	return turn.SessionID, s.writeFrame(ctx, ws, done)
}

func (s *Server) writeFrame(ctx context.Context, ws *websocket.Conn, f chatFrame) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, ws, f)
}
