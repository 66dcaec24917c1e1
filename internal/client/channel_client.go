package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lestrrat-go/backoff/v2"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/channel"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ErrChannelDisconnected is returned by FetchTasks while no connection is up.
var ErrChannelDisconnected = errors.New("task channel disconnected")

// TokenFunc returns the access token to dial with.
type TokenFunc func() string

// RenewFunc replaces a rejected access token, see Transport.Renew.
type RenewFunc func(ctx context.Context, stale string) (string, error)

// ChannelClient keeps a live copy of the user's pending tasks. It reconnects
// with exponential backoff and resyncs after every reconnect; the last
// snapshot stays readable while disconnected.
type ChannelClient struct {
	url    string
	token  TokenFunc
	renew  RenewFunc
	dialer *websocket.Dialer
	policy backoff.Policy
	log    zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	tasks     []service.TaskView
	synced    chan struct{}

	writeMu sync.Mutex
	notes   chan channel.Notification
}

// ChannelOption configures a ChannelClient.
type ChannelOption func(*ChannelClient)

// WithRenew lets the client recover from a rejected handshake.
func WithRenew(fn RenewFunc) ChannelOption {
	return func(c *ChannelClient) { c.renew = fn }
}

// WithBackoff replaces the reconnect policy.
func WithBackoff(p backoff.Policy) ChannelOption {
	return func(c *ChannelClient) { c.policy = p }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) ChannelOption {
	return func(c *ChannelClient) { c.dialer = d }
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) ChannelOption {
	return func(c *ChannelClient) { c.log = log }
}

// DefaultBackoff retries forever between 500ms and 30s.
func DefaultBackoff() backoff.Policy {
	return backoff.Exponential(
		backoff.WithMinInterval(500*time.Millisecond),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithJitterFactor(0.1),
		backoff.WithMaxRetries(0),
	)
}

// NewChannelClient creates a client for the ws:// or wss:// url of the task
// channel.
func NewChannelClient(url string, token TokenFunc, opts ...ChannelOption) *ChannelClient {
	c := &ChannelClient{
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
		policy: DefaultBackoff(),
		log:    zerolog.Nop(),
		synced: make(chan struct{}),
		notes:  make(chan channel.Notification, 32),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether a connection is up.
func (c *ChannelClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Tasks returns the last received pending set. It is not cleared on
// disconnect.
func (c *ChannelClient) Tasks() []service.TaskView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]service.TaskView(nil), c.tasks...)
}

// Synced is closed once the first task set has arrived.
func (c *ChannelClient) Synced() <-chan struct{} {
	return c.synced
}

// Notifications yields server notifications. Slow readers miss some.
func (c *ChannelClient) Notifications() <-chan channel.Notification {
	return c.notes
}

// FetchTasks asks the server for a full resync.
func (c *ChannelClient) FetchTasks() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrChannelDisconnected
	}
	return c.write(conn, channel.Message{Type: channel.TypeFetchTasks})
}

func (c *ChannelClient) write(conn *websocket.Conn, msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelDisconnected, err)
	}
	return nil
}

// Run connects and keeps reconnecting until ctx ends or the session can no
// longer be authenticated. The backoff restarts after every connection that
// got past the handshake.
func (c *ChannelClient) Run(ctx context.Context) error {
	for {
		restart, err := c.attempts(ctx)
		if err != nil {
			return err
		}
		if !restart {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrChannelDisconnected
		}
	}
}

func (c *ChannelClient) attempts(ctx context.Context) (restart bool, err error) {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := c.policy.Start(bctx)
	for backoff.Continue(b) {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if errors.Is(err, ErrSessionEnded) {
			return false, err
		}
		c.log.Warn().Err(err).Str("url", c.url).Msg("Task channel dropped, reconnecting")
		if established {
			return true, nil
		}
	}
	return false, nil
}

// session runs one connection. established reports whether the handshake
// succeeded.
func (c *ChannelClient) session(ctx context.Context) (established bool, err error) {
	token := c.token()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized && c.renew != nil {
			if _, rerr := c.renew(ctx, token); rerr != nil {
				return false, rerr
			}
		}
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.log.Info().Str("url", c.url).Msg("Task channel connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if err := c.write(conn, channel.Message{Type: channel.TypeFetchTasks}); err != nil {
		return true, err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		c.handle(raw)
	}
}

type envelope struct {
	Type    string             `json:"type"`
	Tasks   []service.TaskView `json:"tasks"`
	Message string             `json:"message"`
	Task    *service.TaskView  `json:"task"`
}

func (c *ChannelClient) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn().Err(err).Msg("Undecodable task channel message")
		return
	}

	switch env.Type {
	case channel.TypeInitialTasks, channel.TypeTasksData, channel.TypeTasksUpdate:
		tasks := env.Tasks
		if tasks == nil {
			tasks = []service.TaskView{}
		}
		c.mu.Lock()
		c.tasks = tasks
		select {
		case <-c.synced:
		default:
			close(c.synced)
		}
		c.mu.Unlock()
	case channel.TypeNotification:
		select {
		case c.notes <- channel.Notification{Type: env.Type, Message: env.Message, Task: env.Task}:
		default:
			c.log.Debug().Str("message", env.Message).Msg("Dropping task channel notification")
		}
	default:
		c.log.Debug().Str("type", env.Type).Msg("Ignoring task channel message")
	}
}
