package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"

	"github.com/npezzotti/gochat-hub/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10

	defaultMaxMessageSize = 4096
	defaultSendQueueSize  = 256
)

type Client struct {
	id       string
	conn     *websocket.Conn
	hub      *Hub
	log      zerolog.Logger
	user     types.User
	send     chan *types.ServerMessage
	stop     chan struct{}
	stopOnce sync.Once

	// reading is set while Read owns the connection; released is closed
	// once Read has disconnected from the hub
	reading  atomic.Bool
	released chan struct{}
}

func NewClient(user types.User, conn *websocket.Conn, hub *Hub, l zerolog.Logger) *Client {
	id := shortid.MustGenerate()
	queueSize := hub.cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}

	return &Client{
		id:       id,
		conn:     conn,
		hub:      hub,
		log:      l.With().Str("conn_id", id).Str("user_id", user.Id).Logger(),
		user:     user,
		send:     make(chan *types.ServerMessage, queueSize),
		stop:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read handles client requests one at a time, so requests pipelined on one
// connection are processed in the order they were sent.
func (c *Client) Read() {
	c.reading.Store(true)
	defer func() {
		c.conn.Close()
		c.hub.Disconnect(context.Background(), c)
		c.stopClient()
		close(c.released)
		c.log.Debug().Msg("read exiting")
	}()

	maxSize := c.hub.cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}

	c.conn.SetReadLimit(maxSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}
		msg.Timestamp = Now()

		c.hub.Dispatch(context.Background(), c, &msg)
	}
}

// queueMessage never blocks. A client that cannot keep up is disconnected
// and will reconnect with a fresh session.
func (c *Client) queueMessage(msg *types.ServerMessage) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.log.Warn().Int("queue_size", cap(c.send)).Msg("send queue full, disconnecting client")
		c.stopClient()
		return false
	}

	return true
}

func serializeMessage(msg *types.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}
