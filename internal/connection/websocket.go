package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/gorilla/websocket"
)

const (
	defaultPongWait     = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
	maxPushMessageBytes = 1 << 20
)

// PushConn yields decoded push events until the channel breaks.
type PushConn interface {
	ReadEvent() (models.ChatEvent, error)
	Close() error
}

// Dialer opens a fresh push channel. Each dial subscribes from "now"; there
// is no resume cursor.
type Dialer interface {
	Dial(ctx context.Context) (PushConn, error)
}

// WSDialer opens the push channel over a WebSocket.
type WSDialer struct {
	URL      string
	Header   http.Header
	Dialer   *websocket.Dialer
	PongWait time.Duration
}

func NewWSDialer(url, token string) *WSDialer {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WSDialer{URL: url, Header: header, Dialer: websocket.DefaultDialer, PongWait: defaultPongWait}
}

func (d *WSDialer) Dial(ctx context.Context) (PushConn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial push channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	pongWait := d.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	wc := &wsConn{conn: conn, pongWait: pongWait, stop: make(chan struct{})}
	conn.SetReadLimit(maxPushMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go wc.pingLoop(pongWait * 9 / 10)
	return wc, nil
}

type wsConn struct {
	conn     *websocket.Conn
	pongWait time.Duration
	stop     chan struct{}
	once     sync.Once
}

func (c *wsConn) ReadEvent() (models.ChatEvent, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return models.ChatEvent{}, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		var ev models.ChatEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("push event decode failed: %v", err)
			continue
		}
		return ev, nil
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with reads
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
