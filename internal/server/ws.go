package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hyperjump/recall/internal/memory"
	"github.com/hyperjump/recall/internal/models"
	"go.uber.org/zap"
)

// Websocket message types.
const (
	msgAppend   = "append"
	msgRetrieve = "retrieve"
	msgIndex    = "index"
	msgStatus   = "status"

	msgAppended  = "appended"
	msgContext   = "context"
	msgIndexed   = "indexed"
	msgStatusOut = "status"
	msgError     = "error"
)

const (
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsPingPeriod must stay below wsIdleTimeout so a live client's pong extends the read deadline.
var wsPingPeriod = wsIdleTimeout * 9 / 10

// wsRequest is one client message. Fields not used by Type are ignored.
type wsRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Query   string `json:"query,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// wsResponse is the single reply sent for every client message.
type wsResponse struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id,omitempty"`
	SessionID  string                 `json:"session_id"`
	SequenceID int64                  `json:"sequence_id,omitempty"`
	Context    *string                `json:"context,omitempty"`
	Hits       []*models.RetrievalHit `json:"hits,omitempty"`
	Report     *models.BuildReport    `json:"report,omitempty"`
	Status     *models.IndexStatus    `json:"status,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Code       int                    `json:"code,omitempty"`
}

// handleAgentWS keeps a live session for one agent. Messages are handled in order and each
// gets exactly one reply. Replies and pings go through writeLoop, the connection's only writer.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	mem, ok := s.openMemory(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.New().String()
	s.logger.Debug("websocket session opened", zap.String("agent", mem.Name()), zap.String("session_id", sessionID))

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	replies := make(chan wsResponse)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, sessionID, replies, done)
	}()
	defer func() {
		close(done)
		<-writerDone
	}()

	ctx := r.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		var req wsRequest
		resp := wsResponse{SessionID: sessionID}
		if err := json.Unmarshal(data, &req); err != nil {
			resp.Type = msgError
			resp.Code = http.StatusBadRequest
			resp.Error = "invalid message: " + err.Error()
		} else {
			s.metrics.WSMessage("inbound", req.Type)
			resp = s.handleWSMessage(ctx, mem, sessionID, &req)
		}

		select {
		case replies <- resp:
		case <-writerDone:
		}
	}
	s.logger.Debug("websocket session closed", zap.String("agent", mem.Name()), zap.String("session_id", sessionID))
}

// writeLoop sends replies and keepalive pings until done is closed or a write fails.
// A failed write closes the connection so the reader stops too.
func (s *Server) writeLoop(conn *websocket.Conn, sessionID string, replies <-chan wsResponse, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case resp := <-replies:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(resp); err != nil {
				s.logger.Debug("websocket write failed", zap.String("session_id", sessionID), zap.Error(err))
				_ = conn.Close()
				return
			}
			s.metrics.WSMessage("outbound", resp.Type)
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				s.logger.Debug("websocket ping failed", zap.String("session_id", sessionID), zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) handleWSMessage(ctx context.Context, mem *memory.Memory, sessionID string, req *wsRequest) wsResponse {
	resp := wsResponse{ID: req.ID, SessionID: sessionID}
	fail := func(err error) wsResponse {
		resp.Type = msgError
		resp.Code = statusCode(err)
		resp.Error = err.Error()
		return resp
	}

	switch req.Type {
	case msgAppend:
		role, err := models.ParseRole(req.Role)
		if err != nil {
			return fail(err)
		}
		seq, err := mem.AppendTurn(ctx, role, req.Content)
		if err != nil {
			return fail(err)
		}
		resp.Type = msgAppended
		resp.SequenceID = seq
	case msgRetrieve:
		out, err := mem.Search(ctx, &models.RetrieveRequest{Query: req.Query, Limit: req.Limit, Mode: req.Mode})
		if err != nil {
			return fail(err)
		}
		resp.Type = msgContext
		resp.Context = &out.Context
		resp.Hits = out.Hits
	case msgIndex:
		report, err := mem.BuildOrUpdate(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Type = msgIndexed
		resp.Report = report
	case msgStatus:
		status, err := mem.Status(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Type = msgStatusOut
		resp.Status = status
	default:
		return fail(&models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown message type %q", req.Type)})
	}
	return resp
}
