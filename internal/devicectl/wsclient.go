package devicectl

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrNotConnected is returned when the control service cannot be reached.
var ErrNotConnected = errors.New("devicectl: not connected")

// WSConfig configures the websocket client.
type WSConfig struct {
	URL    string
	Header http.Header
	// RequestsPerSecond bounds command rate on the shared control channel.
	RequestsPerSecond float64
	Burst             int
	DialTimeout       time.Duration
	RequestTimeout    time.Duration
}

type wsRequest struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Serial string         `json:"serial,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

type wsResponse struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WSClient multiplexes request/response frames over one websocket,
// correlating replies by id. The connection is dialed lazily and redialed on
// the next call after it drops.
type WSClient struct {
	cfg     WSConfig
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wsResponse

	writeMu sync.Mutex
}

// NewWSClient builds a client; it does not dial until the first call.
func NewWSClient(cfg WSConfig) *WSClient {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &WSClient{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		pending: make(map[string]chan wsResponse),
	}
}

func (c *WSClient) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	if c.cfg.URL == "" {
		return nil, errors.Wrap(ErrNotConnected, "no control url configured")
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		log.Warn().Err(err).Str("url", c.cfg.URL).Int("status", status).Msg("devicectl: dial failed")
		return nil, errors.Wrapf(ErrNotConnected, "dial %s: %v", c.cfg.URL, err)
	}
	c.conn = conn
	log.Info().Str("url", c.cfg.URL).Msg("devicectl: connected")
	go c.readLoop(conn)
	return conn, nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var resp wsResponse
		if err := conn.ReadJSON(&resp); err != nil {
			c.drop(conn, err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			log.Debug().Str("id", resp.ID).Msg("devicectl: response for unknown request")
			continue
		}
		ch <- resp
	}
}

// drop forgets conn and fails every request waiting on it.
func (c *WSClient) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		for id, ch := range c.pending {
			ch <- wsResponse{ID: id, Error: "connection lost: " + cause.Error()}
			delete(c.pending, id)
		}
		log.Warn().Err(cause).Msg("devicectl: connection dropped")
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// Call sends one command and waits for its reply.
func (c *WSClient) Call(ctx context.Context, action, serial string, params map[string]any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "devicectl: rate limiter")
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	req := wsRequest{ID: uuid.NewString(), Action: action, Serial: serial, Params: params}
	ch := make(chan wsResponse, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return nil, errors.Wrapf(err, "devicectl: send %s", action)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.Success {
			return nil, errors.Errorf("devicectl: %s on %s failed: %s", action, serial, resp.Error)
		}
		return resp.Data, nil
	case <-timer.C:
		return nil, errors.Errorf("devicectl: %s on %s timed out after %s", action, serial, c.cfg.RequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected dials if needed and reports whether the control channel is up.
func (c *WSClient) Connected(ctx context.Context) bool {
	_, err := c.connect(ctx)
	return err == nil
}

// Close closes the current connection, if any.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.drop(conn, errors.New("closed"))
	return nil
}

func (c *WSClient) OpenURL(ctx context.Context, serial, url string) error {
	_, err := c.Call(ctx, "open_url", serial, map[string]any{"url": url})
	return err
}

func (c *WSClient) Tap(ctx context.Context, serial string, x, y int) error {
	_, err := c.Call(ctx, "tap", serial, map[string]any{"x": x, "y": y})
	return err
}

func (c *WSClient) Swipe(ctx context.Context, serial string, x1, y1, x2, y2 int, d time.Duration) error {
	_, err := c.Call(ctx, "swipe", serial, map[string]any{
		"x1": x1, "y1": y1, "x2": x2, "y2": y2,
		"duration_ms": d.Milliseconds(),
	})
	return err
}

func (c *WSClient) InputText(ctx context.Context, serial, text string) error {
	_, err := c.Call(ctx, "input_text", serial, map[string]any{"text": text})
	return err
}

func (c *WSClient) KeyEvent(ctx context.Context, serial string, code int) error {
	_, err := c.Call(ctx, "keyevent", serial, map[string]any{"code": code})
	return err
}

// Screenshot returns PNG bytes; the service sends them base64 encoded.
func (c *WSClient) Screenshot(ctx context.Context, serial string) ([]byte, error) {
	data, err := c.Call(ctx, "screenshot", serial, nil)
	if err != nil {
		return nil, err
	}
	var shot struct {
		Image []byte `json:"image"`
	}
	if err := json.Unmarshal(data, &shot); err != nil {
		return nil, errors.Wrap(err, "devicectl: decode screenshot")
	}
	return shot.Image, nil
}

func (c *WSClient) ListDevices(ctx context.Context) ([]DeviceState, error) {
	data, err := c.Call(ctx, "list_devices", "", nil)
	if err != nil {
		return nil, err
	}
	var devices []DeviceState
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, errors.Wrap(err, "devicectl: decode device list")
	}
	return devices, nil
}
