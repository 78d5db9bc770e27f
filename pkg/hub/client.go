package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/metrics"
	"github.com/mahaj/chat-dispatch/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// Per-event budget for store calls made on behalf of a socket.
	inboundTimeout = 5 * time.Second

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound events.
	send chan []byte

	limiter *rate.Limiter

	UserID   string
	Username string
}

func newClient(h *Hub, conn *websocket.Conn, userID, username string, limiter *rate.Limiter) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		limiter:  limiter,
		UserID:   userID,
		Username: username,
	}
}

func (c *Client) push(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.hub.log.Error().Err(err).Str("event", ev.Name).Msg("encode event failed")
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if ent := c.hub.identities[c.UserID]; ent != nil && ent.clients[c] {
		c.pushRaw(ev.Name, data)
	}
}

// pushRaw never blocks: a full buffer drops the event. Callers hold the
// hub's read lock so send cannot be closed underneath them.
func (c *Client) pushRaw(name string, data []byte) {
	select {
	case c.send <- data:
		metrics.HubEvents.WithLabelValues(name, "pushed").Inc()
	default:
		metrics.HubEvents.WithLabelValues(name, "dropped").Inc()
		c.hub.log.Warn().Str("user_id", c.UserID).Str("event", name).Msg("client buffer full, event dropped")
	}
}

func (c *Client) pushError(request string, err error) {
	c.push(model.NewEvent(model.EventError, model.ErrorPayload{
		Message: err.Error(),
		Code:    errorCode(err),
		Request: request,
	}))
}

// readPump pumps events from the websocket connection to the hub. The
// disconnect is recorded even when ctx has already ended.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inboundTimeout)
		c.hub.Disconnect(dctx, c)
		cancel()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("user_id", c.UserID).Msg("unexpected close")
			}
			break
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.pushError("", errRateLimited)
			continue
		}

		var in model.Inbound
		if err := json.Unmarshal(message, &in); err != nil || in.Name == "" {
			c.pushError("", errMalformed)
			continue
		}

		ictx, cancel := context.WithTimeout(ctx, inboundTimeout)
		if err := c.hub.Dispatch(ictx, c, in); err != nil {
			c.pushError(in.Name, err)
		}
		cancel()
	}
}

// writePump pumps events from the hub to the websocket connection, one
// event per frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs authenticates the request and upgrades it to a hub connection.
// The token is read from the Authorization header, a token header or the
// token query parameter.
func (h *Hub) ServeWs(ctx context.Context, signer *auth.Signer, limit rate.Limit, burst int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.Header.Get("token")
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := signer.ValidateToken(auth.StripBearer(token))
		if err != nil {
			h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected socket token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Error().Err(err).Msg("upgrade failed")
			return
		}

		client := newClient(h, conn, claims.UserID, claims.Username, rate.NewLimiter(limit, burst))
		// Registered before the read loop starts, so the first inbound
		// event already sees the identity.
		cctx, cancel := context.WithTimeout(ctx, inboundTimeout)
		h.Connect(cctx, client)
		cancel()

		go client.writePump()
		go client.readPump(ctx)
	}
}
