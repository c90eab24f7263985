package hostrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultCallTimeout = 60 * time.Second
)

var errClientClosed = errors.New("hostrpc: client closed")

// Options configure Dial.
type Options struct {
	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration
	// CallTimeout is the default deadline for short commands. Prompt and
	// CLI install calls are exempt; the host enforces its own deadlines.
	CallTimeout time.Duration
	// Header is sent with the handshake request.
	Header http.Header
	// ReadBufferSize and WriteBufferSize size the connection buffers.
	ReadBufferSize  int
	WriteBufferSize int
	// OnDisconnect fires once when the connection fails for any reason
	// other than a local Close.
	OnDisconnect func(error)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object the host attaches to a failed command. The
// message text is surfaced verbatim; session error classification depends
// on it arriving unmodified.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// Client is a JSON-RPC client over one WebSocket connection to the agent
// host. Commands are correlated by id; host notifications are decoded into
// Events and handed to the installed handler in arrival order.
type Client struct {
	conn        *websocket.Conn
	callTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcEnvelope

	handlerMu sync.RWMutex
	handler   func(Event)

	onDisconnect func(error)

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Dial connects to the agent host RPC endpoint and starts the read loop.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.DialTimeout,
		ReadBufferSize:   opts.ReadBufferSize,
		WriteBufferSize:  opts.WriteBufferSize,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial agent host %s: %w (status %s)", rawURL, err, resp.Status)
		}
		return nil, fmt.Errorf("dial agent host %s: %w", rawURL, err)
	}

	c := &Client{
		conn:         conn,
		callTimeout:  opts.CallTimeout,
		pending:      make(map[int64]chan rpcEnvelope),
		onDisconnect: opts.OnDisconnect,
		done:         make(chan struct{}),
	}
	go c.readLoop()

	slog.Info("Connected to agent host", "url", rawURL)
	return c, nil
}

// SetEventHandler installs the notification handler. Install it before
// subscribing; notifications arriving with no handler are dropped.
func (c *Client) SetEventHandler(fn func(Event)) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}

// Close shuts the connection down. Pending calls fail; OnDisconnect does
// not fire.
func (c *Client) Close() error {
	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	c.fail(errClientClosed)
	return nil
}

// Done is closed when the connection is no longer usable.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("agent host connection lost: %w", err))
			return
		}

		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("Discarding malformed host frame", "error", err)
			continue
		}

		switch {
		case env.Method != "":
			c.dispatchEvent(env.Method, env.Params)
		case env.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*env.ID]
			if ok {
				delete(c.pending, *env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			} else {
				slog.Warn("Host response for unknown call id", "id", *env.ID)
			}
		default:
			slog.Warn("Host frame has neither method nor id")
		}
	}
}

func (c *Client) dispatchEvent(method string, params json.RawMessage) {
	ev, err := ParseEvent(method, params)
	if err != nil {
		slog.Warn("Skipping undecodable host event", "method", method, "error", err)
		return
	}
	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// fail tears the connection down once and wakes every pending caller.
func (c *Client) fail(err error) {
	var first bool
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
		_ = c.conn.Close()
		first = true
	})
	if !first {
		return
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()

	if !errors.Is(err, errClientClosed) {
		slog.Error("Agent host connection failed", "error", err)
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// call sends one request and waits for its response. Host-reported errors
// come back as *RPCError with the message text unmodified.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	select {
	case <-c.done:
		return fmt.Errorf("%s: %w", method, c.closeErr)
	default:
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcEnvelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("send %s request: %w", method, err)
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: connection to agent host lost", method)
		}
		if env.Error != nil {
			return env.Error
		}
		if result != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%s: connection to agent host lost", method)
	}
}

// callShort applies the default command deadline on top of ctx.
func (c *Client) callShort(ctx context.Context, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.call(ctx, method, params, result)
}
