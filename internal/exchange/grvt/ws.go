package grvt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const wsHeartbeatInterval = 30 * time.Second

// wsClient maintains the venue's authenticated stream socket. Dialing
// requires a live session cookie, so reconnects pull fresh headers from the
// provider and then replay every recorded subscription.
type wsClient struct {
	url            string
	reconnectDelay time.Duration
	headers        func(ctx context.Context) (http.Header, error)
	log            *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   []any
	nextID int
}

func newWSClient(url string, reconnectDelay time.Duration, headers func(ctx context.Context) (http.Header, error), log *zap.Logger) *wsClient {
	return &wsClient{url: url, reconnectDelay: reconnectDelay, headers: headers, log: log, nextID: 1}
}

func (c *wsClient) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header, err := c.headers(ctx)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate dial")
		return nil
	}
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// subscribe records the request for replay and sends it when connected.
func (c *wsClient) subscribe(ctx context.Context, stream string, selectors []string) error {
	c.mu.Lock()
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "subscribe",
		Params:  rpcSubscribeParams{Stream: stream, Selectors: selectors},
		ID:      c.nextID,
	}
	c.nextID++
	c.subs = append(c.subs, req)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	return writeJSON(ctx, conn, req)
}

func (c *wsClient) run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ws connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		beatCtx, cancel := context.WithCancel(ctx)
		beatDone := make(chan struct{})
		go func() {
			defer close(beatDone)
			c.heartbeat(beatCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-beatDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.log.Info("ws stream closed", zap.Error(err))
			} else {
				c.log.Warn("ws stream ended", zap.Error(err))
			}
		}
		c.reset()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *wsClient) ensureConnected(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]any(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsClient) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *wsClient) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(wsHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			ping := rpcRequest{JSONRPC: "2.0", Method: "ping", ID: c.nextID}
			c.nextID++
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := writeJSON(ctx, conn, ping); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int    `json:"id"`
}

type rpcSubscribeParams struct {
	Stream    string   `json:"stream"`
	Selectors []string `json:"selectors"`
}

// wsFrame is a stream push. Subscription acks and pongs carry no feed and
// are ignored. Older gateway versions put the feed at the top level, newer
// ones nest it under params.
type wsFrame struct {
	Method string          `json:"method"`
	Feed   json.RawMessage `json:"feed"`
	Params struct {
		Stream string          `json:"stream"`
		Feed   json.RawMessage `json:"feed"`
	} `json:"params"`
}

func (f *wsFrame) orderFeed() json.RawMessage {
	if len(f.Params.Feed) > 0 {
		return f.Params.Feed
	}
	return f.Feed
}
