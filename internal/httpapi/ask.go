package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/auth"
	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/synthesis"
)

const sseHeartbeatInterval = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement belongs to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAsk serves POST /ask: one JSON answer or a structured refusal.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, u, err := s.decodeAsk(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.pipeline.Ask(r.Context(), req, u)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Idk != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"answer":      res.Idk.Message,
			"isIDontKnow": true,
			"idk":         res.Idk,
			"guardrail":   res.Guardrail,
		})
		return
	}
	writeJSON(w, http.StatusOK, res.Response)
}

// handleAskStream serves POST /ask/stream as Server-Sent Events. Each
// synthesis event becomes one `event:`/`data:` group; a comment heartbeat
// keeps idle proxies from cutting the stream.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	req, u, err := s.decodeAsk(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming not supported"))
		return
	}
	stream, err := s.pipeline.AskStream(r.Context(), req, u)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Info("sse client disconnected", zap.String("tenant", u.TenantID))
			return
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-stream:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
			if ev.Type == synthesis.EventDone {
				return
			}
		}
	}
}

// handleAskWS serves POST-upgraded GET /ask/ws: the SSE event sequence as
// one JSON message per event.
func (s *Server) handleAskWS(w http.ResponseWriter, r *http.Request) {
	u, ok := auth.UserContextFrom(r.Context())
	if !ok {
		writeError(w, schemas.ErrUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The first client message carries the AskRequest.
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var req schemas.AskRequest
	if err := conn.ReadJSON(&req); err != nil {
		conn.WriteJSON(synthesis.Event{Type: synthesis.EventError, Error: &synthesis.ErrorPayload{Message: "invalid request", Kind: "SchemaInvalid"}})
		return
	}
	conn.SetReadDeadline(time.Time{})

	stream, err := s.pipeline.AskStream(r.Context(), req, u)
	if err != nil {
		body := classify(err)
		conn.WriteJSON(synthesis.Event{Type: synthesis.EventError, Error: &synthesis.ErrorPayload{Message: body.Message, Kind: body.Error}})
		conn.WriteJSON(synthesis.Event{Type: synthesis.EventDone})
		return
	}

	// Reader pump: surface client close, discard everything else.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case ev, open := <-stream:
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == synthesis.EventDone {
				return
			}
		}
	}
}

// decodeAsk parses the request body and resolves the caller identity.
func (s *Server) decodeAsk(r *http.Request) (schemas.AskRequest, schemas.UserContext, error) {
	u, ok := auth.UserContextFrom(r.Context())
	if !ok {
		return schemas.AskRequest{}, schemas.UserContext{}, schemas.ErrUnauthorized
	}
	var req schemas.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return schemas.AskRequest{}, schemas.UserContext{}, &schemas.SchemaError{Fields: []string{"(body)"}}
	}
	return req, u, nil
}
