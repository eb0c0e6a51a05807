package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/npezzotti/gochat-hub/internal/types"
)

const (
	writeWait = 10 * time.Second
	// server pings more often than this
	readWait = 75 * time.Second
)

// WebsocketDialer connects to the hub's /ws endpoint.
type WebsocketDialer struct {
	URL    string
	Token  string
	Device string
	Dialer *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if d.Device != "" {
		q := u.Query()
		q.Set("device", d.Device)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// Send is only called from the engine loop, so writes never overlap.
func (c *wsConn) Send(msg *types.ClientMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Receive() (*types.ServerMessage, error) {
	var msg types.ServerMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	return &msg, nil
}

func (c *wsConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
