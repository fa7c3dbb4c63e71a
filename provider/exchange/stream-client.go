package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultReadTimeout      = 30 * time.Second
	writeTimeout            = 5 * time.Second
)

type wsRequest struct {
	ReqID  int      `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// streamClient owns one websocket connection: a reader goroutine fanning raw
// frames into frames, a ping loop doubling as idle detection, and an
// idempotent close. It never redials; a dead connection is reported exactly
// once on errs and the owner decides what happens next.
type streamClient struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	frames chan []byte
	errs   chan error
	done   chan struct{}

	readTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	errOnce sync.Once
}

func dialStreamClient(
	ctx context.Context,
	endpoint string,
	handshakeTimeout time.Duration,
	readTimeout time.Duration,
	logger zerolog.Logger,
) (*streamClient, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &streamClient{
		conn:        conn,
		logger:      logger,
		frames:      make(chan []byte, 256),
		errs:        make(chan error, 1),
		done:        make(chan struct{}),
		readTimeout: readTimeout,
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *streamClient) subscribe(topic string) error {
	return c.writeRequest("SUBSCRIBE", topic)
}

func (c *streamClient) unsubscribe(topic string) error {
	return c.writeRequest("UNSUBSCRIBE", topic)
}

func (c *streamClient) writeRequest(method, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s %s: connection closed", method, topic)
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(wsRequest{
		ReqID:  randomReqID(),
		Method: method,
		Params: []string{topic},
	}); err != nil {
		return fmt.Errorf("%s %s: %w", method, topic, err)
	}
	return nil
}

func (c *streamClient) readLoop() {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		select {
		case c.frames <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *streamClient) pingLoop() {
	interval := c.readTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			closed := c.closed
			var err error
			if !closed {
				err = c.conn.WriteControl(
					websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
			c.mu.Unlock()

			if closed {
				return
			}
			if err != nil {
				c.fail(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// fail reports the first failure on errs unless the client was deliberately
// closed.
func (c *streamClient) fail(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.errOnce.Do(func() {
		c.errs <- err
	})
}

func (c *streamClient) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	return c.conn.Close()
}

func randomReqID() int {
	min := 10000
	max := 9999999
	return min + rand.Intn(max-min)
}
