package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/beacon/internal/observability"
	"github.com/haasonsaas/beacon/internal/presence"
	"github.com/haasonsaas/beacon/internal/relay"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsFrame is the wire envelope in both directions. Outbound frames are
// events; inbound frames are requests distinguished by Type.
type wsFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// wsSubscribeParams carries a subscription request. Data may also arrive as
// a bare user ID string; decodeSubscribeParams accepts both shapes.
type wsSubscribeParams struct {
	UserID      string   `json:"userId"`
	UpdateTypes []string `json:"updateTypes,omitempty"`
}

type wsActivityParams struct {
	UserID       string `json:"userId"`
	ActivityName string `json:"activityName,omitempty"`
	ActivityType *int   `json:"activityType,omitempty"`
}

// wsConn is one subscriber connection. It satisfies relay.Conn: the hub and
// dispatcher push events through Send, which enqueues without blocking so a
// slow reader cannot stall a delivery cycle.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id  string
	seq int64
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &wsConn{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
	}
	ctx = observability.WithConnID(ctx, session.id)
	session.ctx = ctx

	s.hub.Register(session)
	s.logger.Debug(ctx, "websocket connected", "remote", r.RemoteAddr)
	session.run()
}

// ID implements relay.Conn.
func (c *wsConn) ID() string {
	return c.id
}

// Send implements relay.Conn. It never blocks; a full send buffer drops the
// frame and reports the failure to the caller.
func (c *wsConn) Send(event string, payload any) error {
	seq := atomic.AddInt64(&c.seq, 1)
	frame := wsFrame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	}
	return c.enqueue(frame)
}

func (c *wsConn) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

// close tears the connection down. The send channel is never closed: the
// hub may still hold a reference and call Send from a fan-out cycle, so the
// write loop exits on context cancellation instead.
func (c *wsConn) close() {
	c.server.hub.Disconnect(c.ctx, c.id)
	c.cancel()
	_ = c.conn.Close()
	c.server.logger.Debug(c.ctx, "websocket disconnected")
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError(relay.ErrValidation("invalid frame", err))
			continue
		}
		if err := c.handleRequest(&frame); err != nil {
			c.sendError(err)
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) handleRequest(frame *wsFrame) error {
	switch frame.Type {
	case "subscribe":
		params, err := decodeSubscribeParams(frame.Data)
		if err != nil {
			return err
		}
		keys := make([]presence.ChangeKey, 0, len(params.UpdateTypes))
		for _, raw := range params.UpdateTypes {
			keys = append(keys, presence.ChangeKey(raw))
		}
		return c.server.hub.Subscribe(c.ctx, c.id, params.UserID, keys)
	case "subscribeActivity":
		var params wsActivityParams
		if err := json.Unmarshal(frame.Data, &params); err != nil {
			return relay.ErrValidation("invalid activity subscription data", err)
		}
		var activityType *presence.ActivityType
		if params.ActivityType != nil {
			t := presence.ActivityType(*params.ActivityType)
			activityType = &t
		}
		return c.server.hub.SubscribeActivity(c.ctx, c.id, params.UserID, params.ActivityName, activityType)
	case "unsubscribe":
		c.server.hub.Unsubscribe(c.ctx, c.id)
		return nil
	default:
		return relay.ErrValidation(fmt.Sprintf("unknown request type %q", frame.Type), nil)
	}
}

func (c *wsConn) sendError(err error) {
	_ = c.Send(relay.EventError, relay.AsPayload(err)) //nolint:errcheck
}

// decodeSubscribeParams accepts either a bare user ID string or a
// {userId, updateTypes} object.
func decodeSubscribeParams(data json.RawMessage) (*wsSubscribeParams, error) {
	if len(data) == 0 {
		return nil, relay.ErrValidation("subscription data is required", nil)
	}
	var userID string
	if err := json.Unmarshal(data, &userID); err == nil {
		return &wsSubscribeParams{UserID: userID}, nil
	}
	var params wsSubscribeParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, relay.ErrValidation("invalid subscription data format", err)
	}
	return &params, nil
}
