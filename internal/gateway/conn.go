package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hearthd/hearth/internal/observability"
)

const (
	wsReadWait     = 90 * time.Second
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 25 * time.Second
	wsPongTimeout  = 20 * time.Second
)

// wsSession is one client connection. It starts unauthenticated: until the
// connect handshake succeeds the only accepted request is "connect", a
// handshake deadline is armed, and the session is not registered with the hub.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	clientID  string
	connected atomic.Bool
	seq       int64
	pending   *pendingRequests
}

func (srv *Server) newSession(conn *websocket.Conn) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSession{
		server:  srv,
		conn:    conn,
		send:    make(chan []byte, 64),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
		pending: newPendingRequests(),
	}
}

func (s *wsSession) run() {
	s.server.metrics.Connections.WithLabelValues("pending").Inc()
	defer s.close()

	go s.writeLoop()

	// Clients wait for the challenge before sending connect.
	_ = s.sendEvent("connect.challenge", map[string]any{
		"nonce":    uuid.NewString(),
		"protocol": wsProtocolVersion,
	})

	s.readLoop()
}

func (s *wsSession) close() {
	if s.connected.Load() {
		s.server.hub.remove(s)
		s.server.metrics.Connections.WithLabelValues("authenticated").Dec()
	} else {
		s.server.metrics.Connections.WithLabelValues("pending").Dec()
	}
	s.cancel()
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	// Handshake window: the connection dies if connect does not arrive in time.
	_ = s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.Auth.HandshakeTimeout))

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if s.connected.Load() {
			_ = s.conn.SetReadDeadline(time.Now().Add(wsReadWait))
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("", "invalid_frame", err.Error())
			continue
		}

		switch frame.Type {
		case "res":
			s.handleResponseFrame(&frame)
		case "req", "":
			if !s.connected.Load() {
				if frame.Method != "connect" {
					s.sendError(frame.ID, "handshake_required", "first request must be connect")
					continue
				}
				if err := s.handleConnect(&frame); err != nil {
					s.sendError(frame.ID, "connect_failed", err.Error())
					return
				}
				continue
			}
			if err := s.handleRequest(&frame); err != nil {
				s.sendError(frame.ID, "request_failed", err.Error())
			}
		default:
			// Unknown frame types are dropped.
		}
	}
}

// writeLoop owns the connection close: when the session is cancelled it
// flushes any queued frames first, so a handshake rejection still reaches
// the client before the socket goes away.
func (s *wsSession) writeLoop() {
	defer s.conn.Close()
	for {
		select {
		case <-s.ctx.Done():
			for {
				select {
				case msg := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
					if s.conn.WriteMessage(websocket.TextMessage, msg) != nil {
						return
					}
				default:
					return
				}
			}
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// handleResponseFrame routes a client's res frame to the matching pending
// server-initiated request. Late, duplicate, or unknown ids are dropped.
func (s *wsSession) handleResponseFrame(frame *wsFrame) {
	if frame.ID == "" {
		return
	}
	if frame.OK != nil && !*frame.OK {
		msg := "request failed"
		if frame.Error != nil {
			msg = frame.Error.Message
		}
		s.pending.Reject(frame.ID, errors.New(msg))
		return
	}
	s.pending.Resolve(frame.ID, frame.Payload)
}

func (s *wsSession) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}

	minProtocol := params.MinProtocol
	maxProtocol := params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		return fmt.Errorf("unsupported protocol range [%d,%d]", minProtocol, maxProtocol)
	}

	if err := s.authenticate(params); err != nil {
		s.server.logger.Warn(s.ctx, "connect rejected",
			"client_id", params.Client.ID,
			"reason", err.Error(),
		)
		return err
	}
	s.clientID = params.Client.ID

	ok := true
	if err := s.enqueue(wsFrame{
		Type:    "res",
		ID:      frame.ID,
		OK:      &ok,
		Payload: mustMarshal(s.buildHelloPayload()),
	}); err != nil {
		return err
	}

	s.connected.Store(true)
	s.server.metrics.Connections.WithLabelValues("pending").Dec()
	s.server.metrics.Connections.WithLabelValues("authenticated").Inc()
	_ = s.conn.SetReadDeadline(time.Now().Add(wsReadWait))
	s.server.hub.add(s)
	go s.keepalive()

	s.server.logger.Info(s.ctx, "client connected",
		"conn_id", s.id,
		"client_id", s.clientID,
		"client_version", params.Client.Version,
	)
	return nil
}

func (s *wsSession) authenticate(params wsConnectParams) error {
	auth := s.server.cfg.Auth
	if auth.Token != "" {
		presented := ""
		if params.Auth != nil {
			presented = params.Auth.Token
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(auth.Token)) != 1 {
			return errors.New("unauthorized")
		}
	}
	if len(auth.AllowedClients) > 0 {
		allowed := false
		for _, id := range auth.AllowedClients {
			if id == params.Client.ID {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("client %q is not recognized", params.Client.ID)
		}
	}
	return nil
}

func (s *wsSession) handleRequest(frame *wsFrame) error {
	ctx := observability.WithClientID(s.ctx, s.clientID)
	switch frame.Method {
	case "connect":
		return errors.New("already connected")
	case "ping":
		return s.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
	case "health":
		return s.sendResponse(frame.ID, true, s.server.healthSnapshot(ctx), nil)
	case "config.get":
		return s.sendResponse(frame.ID, true, s.server.cfg.Redacted(), nil)
	case "chat.send":
		return s.handleChatSend(ctx, frame)
	case "chat.history":
		return s.handleChatHistory(ctx, frame)
	case "sessions.list":
		return s.sendResponse(frame.ID, true, map[string]any{"sessions": s.server.store.List(ctx)}, nil)
	case "sessions.reset":
		return s.handleSessionsReset(ctx, frame)
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func (s *wsSession) handleChatSend(ctx context.Context, frame *wsFrame) error {
	var params wsChatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.Message) == "" {
		return errors.New("message is required")
	}
	if params.SessionKey == "" {
		return errors.New("sessionKey is required")
	}

	runID, duplicate := s.server.dispatcher.Submit(params.SessionKey, params.Message, params.Hint, params.IdempotencyKey)
	status := "accepted"
	if duplicate {
		status = "duplicate"
	}
	return s.sendResponse(frame.ID, true, map[string]any{"runId": runID, "status": status}, nil)
}

func (s *wsSession) handleChatHistory(ctx context.Context, frame *wsFrame) error {
	var params wsChatHistoryParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	turns := s.server.store.History(ctx, params.SessionKey, limit)
	return s.sendResponse(frame.ID, true, map[string]any{"turns": turns}, nil)
}

func (s *wsSession) handleSessionsReset(ctx context.Context, frame *wsFrame) error {
	var params wsSessionsResetParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	existed := s.server.store.Reset(ctx, params.SessionKey)
	return s.sendResponse(frame.ID, true, map[string]any{"reset": existed}, nil)
}

// keepalive sends server-initiated ping requests through the pending tracker
// and closes the connection when a client stops answering.
func (s *wsSession) keepalive() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			id := uuid.NewString()
			ch := s.pending.Track(id, wsPongTimeout)
			if err := s.enqueue(wsFrame{Type: "req", ID: id, Method: "ping"}); err != nil {
				s.pending.Reject(id, err)
			}
			select {
			case <-s.ctx.Done():
				return
			case result := <-ch:
				if result.err != nil {
					s.server.logger.Warn(s.ctx, "client unresponsive, closing",
						"conn_id", s.id,
						"client_id", s.clientID,
					)
					s.cancel()
					_ = s.conn.Close()
					return
				}
			}
		}
	}
}

func (s *wsSession) buildHelloPayload() map[string]any {
	return map[string]any{
		"protocol": wsProtocolVersion,
		"server": map[string]any{
			"id":      s.id,
			"version": s.server.version,
		},
		"features": map[string]any{
			"methods": supportedMethods(),
			"events":  supportedEvents(),
		},
	}
}

func (s *wsSession) sendResponse(id string, ok bool, payload any, wsErr *wsError) error {
	return s.enqueue(wsFrame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: mustMarshal(payload),
		Error:   wsErr,
	})
}

func (s *wsSession) sendEvent(event string, payload any) error {
	seq := atomic.AddInt64(&s.seq, 1)
	return s.enqueue(wsFrame{
		Type:    "event",
		Event:   event,
		Payload: mustMarshal(payload),
		Seq:     &seq,
	})
}

func (s *wsSession) sendError(id, code, message string) {
	_ = s.sendResponse(id, false, nil, &wsError{Code: code, Message: message})
}

func (s *wsSession) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return errors.New("payload too large")
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
