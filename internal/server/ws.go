package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hanpama/libris/internal/domain"
	"github.com/hanpama/libris/internal/eventbus"
	"github.com/hanpama/libris/internal/executor"
)

// Subscription transport speaking the graphql-transport-ws subprotocol:
// connection_init/connection_ack handshake, then subscribe/next/complete per
// operation. Each subscribe opens one event session; a session force-closed
// by the bus (slow consumer) completes the operation rather than silently
// stalling it.

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsInitTimeout    = 10 * time.Second
	wsMaxMessageSize = 1 << 20
	wsSendBuffer     = 16
)

const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsConn struct {
	h    *Handler
	conn *websocket.Conn
	send chan wsMessage

	// ctx spans the whole connection and is never reassigned; the write
	// pump selects on it. opCtx derives from it and additionally carries
	// the peer's identity once authenticated. It is only touched from the
	// read pump, before any subscription starts.
	ctx    context.Context
	cancel context.CancelFunc
	opCtx  context.Context

	mu   sync.Mutex
	subs map[string]*wsSub
}

type wsSub struct {
	session *eventbus.Session
	cancel  context.CancelFunc
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols:    []string{"graphql-transport-ws"},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkWSOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	opCtx := ctx
	// The upgrade request may already carry the bearer token.
	if header := r.Header.Get("Authorization"); header != "" {
		authedCtx, err := h.authenticate(opCtx, header)
		if err != nil {
			closeWith(conn, 4403, "forbidden")
			cancel()
			return
		}
		opCtx = authedCtx
	}

	c := &wsConn{
		h:      h,
		conn:   conn,
		send:   make(chan wsMessage, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		opCtx:  opCtx,
		subs:   make(map[string]*wsSub),
	}
	go c.writePump()
	c.readPump()
}

func (h *Handler) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.opt.CORS.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.opt.CORS.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// readPump owns all reads. It enforces the init handshake, dispatches
// subscribes, and tears everything down when the peer goes away.
func (c *wsConn) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsInitTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	acked := false
	for {
		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case msgConnectionInit:
			if acked {
				closeWith(c.conn, 4429, "too many initialisation requests")
				return
			}
			if !c.initAuth(msg.Payload) {
				closeWith(c.conn, 4403, "forbidden")
				return
			}
			acked = true
			_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
			c.enqueue(wsMessage{Type: msgConnectionAck})

		case msgPing:
			c.enqueue(wsMessage{Type: msgPong})

		case msgPong:
			// Unsolicited pongs are allowed; keepalive is handled by the
			// pong handler above.

		case msgSubscribe:
			if !acked {
				closeWith(c.conn, 4401, "unauthorized")
				return
			}
			if msg.ID == "" {
				closeWith(c.conn, 4400, "subscribe without id")
				return
			}
			if !c.startSubscription(msg.ID, msg.Payload) {
				return
			}

		case msgComplete:
			c.stopSubscription(msg.ID)
		}
	}
}

// initAuth applies the optional authorization field of the init payload.
func (c *wsConn) initAuth(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return true
	}
	var p struct {
		Authorization string `json:"authorization"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Authorization == "" {
		return true
	}
	ctx, err := c.h.authenticate(c.opCtx, p.Authorization)
	if err != nil {
		return false
	}
	c.opCtx = ctx
	return true
}

func (c *wsConn) startSubscription(id string, payload json.RawMessage) bool {
	var req GraphQLRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		closeWith(c.conn, 4400, "invalid subscribe payload")
		return false
	}

	c.mu.Lock()
	if _, exists := c.subs[id]; exists {
		c.mu.Unlock()
		closeWith(c.conn, 4409, "subscriber already exists: "+id)
		return false
	}
	c.mu.Unlock()

	subReq, errResp := c.h.exec.Subscription(req.Query, req.OperationName, req.Variables)
	if errResp != nil {
		c.sendError(id, errResp)
		return true
	}

	session, err := c.h.res.BookAdded(c.opCtx)
	if err != nil {
		c.sendError(id, errorFrom(err))
		return true
	}

	ctx, cancel := context.WithCancel(c.opCtx)
	c.mu.Lock()
	c.subs[id] = &wsSub{session: session, cancel: cancel}
	c.mu.Unlock()

	go c.streamEvents(ctx, id, subReq, session)
	return true
}

func (c *wsConn) stopSubscription(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.session.Unsubscribe()
	sub.cancel()
}

// streamEvents forwards bus events for one subscription until the session
// closes or the client completes it.
func (c *wsConn) streamEvents(ctx context.Context, id string, req *executor.SubscriptionRequest, session *eventbus.Session) {
	for {
		evt, err := session.Next(ctx)
		if err != nil {
			if errors.Is(err, eventbus.ErrClosed) {
				// Drained after unsubscribe, force-closed by the bus, or
				// the bus shut down: either way the stream is over.
				c.enqueue(wsMessage{ID: id, Type: msgComplete})
			}
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			return
		}
		book, ok := evt.Payload.(domain.Book)
		if !ok {
			continue
		}
		c.sendResponse(id, msgNext, c.h.exec.CompleteEvent(req, book))
	}
}

func (c *wsConn) sendError(id string, resp *executor.Response) {
	raw, err := json.Marshal(resp.Errors)
	if err != nil {
		return
	}
	c.enqueue(wsMessage{ID: id, Type: msgError, Payload: raw})
}

func (c *wsConn) sendResponse(id, typ string, resp *executor.Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.enqueue(wsMessage{ID: id, Type: typ, Payload: raw})
}

// enqueue hands a message to the write pump. A full buffer means the peer
// stopped reading; drop the connection instead of blocking the reader.
func (c *wsConn) enqueue(msg wsMessage) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	default:
		c.cancel()
	}
}

// writePump owns all writes, interleaving queued messages with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsConn) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*wsSub)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.session.Unsubscribe()
		sub.cancel()
	}
	c.cancel()
	_ = c.conn.Close()
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	_ = conn.Close()
}
