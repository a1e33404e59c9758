// Package client holds the tunnel control connection and dispatches every
// inbound envelope to the HTTP proxy or the websocket bridge.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"ttun/internal/eventbus"
	"ttun/internal/metrics"
	"ttun/internal/proxy"
	"ttun/internal/tunnel"
	"ttun/internal/wsbridge"
)

// Options configures a Client.
type Options struct {
	// Server is the tunnel server base URL, ws(s):// or http(s)://.
	Server    string
	Subdomain string
	Version   string
	// Origin is the http(s)://host:port of the local target.
	Origin string
	// ExtraHeaders are appended to every proxied HTTP request.
	ExtraHeaders tunnel.Headers
	// Timeout bounds each local HTTP request. Zero means none.
	Timeout  time.Duration
	Dialer   *websocket.Dialer
	Bus      *eventbus.Bus
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Client is the session dispatcher.
type Client struct {
	server       string
	subdomain    string
	version      string
	extraHeaders tunnel.Headers
	dialer       *websocket.Dialer
	bus          *eventbus.Bus
	observer     metrics.Observer
	logger       *slog.Logger

	engine *proxy.Engine
	bridge *wsbridge.Bridge

	mu     sync.RWMutex
	conn   *controlConn
	config tunnel.Config

	live atomic.Int64

	lanesMu sync.Mutex
	lanes   map[string][]func(context.Context)
}

func New(opts Options) (*Client, error) {
	server, err := controlURL(opts.Server)
	if err != nil {
		return nil, err
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := metrics.OrNop(opts.Observer)
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		}
	}

	engine, err := proxy.New(proxy.Options{
		Origin:   opts.Origin,
		Timeout:  opts.Timeout,
		Bus:      bus,
		Observer: observer,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		server:       server,
		subdomain:    opts.Subdomain,
		version:      opts.Version,
		extraHeaders: slices.Clone(opts.ExtraHeaders),
		dialer:       dialer,
		bus:          bus,
		observer:     observer,
		logger:       logger,
		engine:       engine,
		lanes:        make(map[string][]func(context.Context)),
	}
	c.bridge = wsbridge.New(wsbridge.Options{
		Origin:   websocketOrigin(engine.Origin()),
		Sender:   wsbridge.SenderFunc(c.send),
		Bus:      bus,
		Observer: observer,
		Logger:   logger,
	})
	return c, nil
}

// controlURL turns a server base URL into the control endpoint.
func controlURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", server, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url %q: want ws(s):// or http(s)://", server)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/tunnel/"
	return u.String(), nil
}

func websocketOrigin(httpOrigin string) string {
	if strings.HasPrefix(httpOrigin, "https://") {
		return "wss://" + strings.TrimPrefix(httpOrigin, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpOrigin, "http://")
}

// Connect opens the control connection and performs the handshake.
func (c *Client) Connect(ctx context.Context) (tunnel.Config, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.server, nil)
	if err != nil {
		return tunnel.Config{}, fmt.Errorf("%w: dial %s: %v", tunnel.ErrConnection, c.server, err)
	}
	conn := &controlConn{ws: ws}

	if err := conn.writeJSON(tunnel.NewHello(c.subdomain, c.version)); err != nil {
		conn.Close()
		return tunnel.Config{}, fmt.Errorf("%w: handshake write: %v", tunnel.ErrConnection, err)
	}
	data, err := conn.read()
	if err != nil {
		conn.Close()
		return tunnel.Config{}, fmt.Errorf("%w: handshake read: %v", tunnel.ErrConnection, err)
	}
	cfg, err := tunnel.DecodeConfig(data)
	if err != nil {
		conn.Close()
		return tunnel.Config{}, err
	}

	c.mu.Lock()
	c.conn = conn
	c.config = cfg
	c.mu.Unlock()

	c.logger.Info("tunnel established", "url", cfg.URL, "origin", c.engine.Origin())
	return cfg, nil
}

// Config returns what the server assigned during Connect.
func (c *Client) Config() tunnel.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Origin returns the local target origin.
func (c *Client) Origin() string {
	return c.engine.Origin()
}

// Bus returns the event bus shared by the client's components.
func (c *Client) Bus() *eventbus.Bus {
	return c.bus
}

// LiveTasks reports how many scheduled session tasks have not finished.
func (c *Client) LiveTasks() int {
	return int(c.live.Load())
}

// Sessions lists open or connecting websocket session identifiers.
func (c *Client) Sessions() []string {
	return c.bridge.Sessions()
}

func (c *Client) control() *controlConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) send(env tunnel.Envelope) error {
	conn := c.control()
	if conn == nil {
		return errors.New("control connection is not open")
	}
	return conn.Send(env)
}

// Run reads envelopes until the control connection closes, then cancels
// every task still in flight. It returns nil when ctx is canceled and an
// ErrConnection otherwise.
func (c *Client) Run(ctx context.Context) error {
	conn := c.control()
	if conn == nil {
		return fmt.Errorf("%w: not connected", tunnel.ErrConnection)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var readErr error
	for {
		data, err := conn.read()
		if err != nil {
			readErr = err
			break
		}
		env, err := tunnel.Decode(data)
		if err != nil {
			reason := metrics.RejectMalformed
			if errors.Is(err, tunnel.ErrUnknownKind) {
				reason = metrics.RejectUnknownKind
			}
			c.observer.EnvelopeRejected(reason)
			c.logger.Warn("skipping envelope", "error", err)
			continue
		}
		c.dispatch(gctx, g, env)
	}

	cancel()
	c.bridge.CloseAll()
	g.Wait()
	conn.Close()

	if ctx.Err() != nil {
		return nil
	}
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: control connection closed by server", tunnel.ErrConnection)
	}
	return fmt.Errorf("%w: control connection lost: %v", tunnel.ErrConnection, readErr)
}

func (c *Client) dispatch(ctx context.Context, g *errgroup.Group, env tunnel.Envelope) {
	id := env.Identifier
	switch m := env.Message.(type) {
	case tunnel.HTTPRequest:
		m.Headers = append(slices.Clone(m.Headers), c.extraHeaders...)
		c.spawn(ctx, g, func(ctx context.Context) {
			c.engine.Do(ctx, m, func(resp tunnel.HTTPResponse) {
				if ctx.Err() != nil {
					return
				}
				if err := c.send(tunnel.Envelope{Identifier: id, Message: resp}); err != nil {
					c.logger.Warn("failed to send response", "identifier", id, "error", err)
				}
			})
		})
	case tunnel.WSConnect:
		c.spawn(ctx, g, func(ctx context.Context) {
			if err := c.bridge.Connect(ctx, id, m); err != nil {
				c.reject(id, err)
			}
		})
	case tunnel.WSMessage:
		c.enqueue(ctx, g, id, func(context.Context) {
			if err := c.bridge.RelayIn(id, m); err != nil {
				c.reject(id, err)
			}
		})
	case tunnel.WSDisconnect:
		c.enqueue(ctx, g, id, func(context.Context) {
			if err := c.bridge.Disconnect(id); err != nil {
				c.reject(id, err)
			}
		})
	default:
		c.observer.EnvelopeRejected(metrics.RejectUnknownKind)
		c.logger.Warn("skipping envelope not meant for the client", "identifier", id, "type", m.Kind())
	}
}

func (c *Client) reject(id string, err error) {
	if errors.Is(err, tunnel.ErrSessionState) {
		c.observer.EnvelopeRejected(metrics.RejectSessionState)
	}
	c.logger.Warn("websocket session error", "identifier", id, "error", err)
}

// spawn runs fn as a tracked task of the current control connection.
func (c *Client) spawn(ctx context.Context, g *errgroup.Group, fn func(context.Context)) {
	c.live.Add(1)
	c.observer.TaskStarted()
	g.Go(func() error {
		defer func() {
			c.live.Add(-1)
			c.observer.TaskFinished()
		}()
		fn(ctx)
		return nil
	})
}

// enqueue runs fn after every earlier fn queued for the same identifier, so
// frames of one websocket session keep their order while sessions stay
// independent.
func (c *Client) enqueue(ctx context.Context, g *errgroup.Group, id string, fn func(context.Context)) {
	c.lanesMu.Lock()
	q, running := c.lanes[id]
	c.lanes[id] = append(q, fn)
	c.lanesMu.Unlock()
	if running {
		return
	}

	c.spawn(ctx, g, func(ctx context.Context) {
		for {
			c.lanesMu.Lock()
			q := c.lanes[id]
			if len(q) == 0 {
				delete(c.lanes, id)
				c.lanesMu.Unlock()
				return
			}
			next := q[0]
			c.lanes[id] = q[1:]
			c.lanesMu.Unlock()

			if ctx.Err() != nil {
				continue
			}
			next(ctx)
		}
	})
}

// Resend replays req against the local target outside the tunnel; the
// result is only observable on the event bus.
func (c *Client) Resend(ctx context.Context, req tunnel.HTTPRequest) tunnel.HTTPResponse {
	return c.engine.Do(ctx, req, nil)
}

// Close drops the control connection, which ends Run.
func (c *Client) Close() error {
	conn := c.control()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
