// Package wsbridge relays websocket sessions between the tunnel and the
// local target.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"ttun/internal/eventbus"
	"ttun/internal/metrics"
	"ttun/internal/registry"
	"ttun/internal/tunnel"
)

// Sender writes one envelope to the control connection.
type Sender interface {
	Send(env tunnel.Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(env tunnel.Envelope) error

func (f SenderFunc) Send(env tunnel.Envelope) error { return f(env) }

type Options struct {
	// Origin is the ws(s)://host:port of the local target.
	Origin   string
	Dialer   *websocket.Dialer
	Sender   Sender
	Bus      *eventbus.Bus
	Observer metrics.Observer
	Logger   *slog.Logger
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// Bridge owns every local websocket opened on behalf of the tunnel.
type Bridge struct {
	origin   string
	dialer   *websocket.Dialer
	sender   Sender
	sessions *registry.Registry[*session]
	bus      *eventbus.Bus
	observer metrics.Observer
	logger   *slog.Logger
}

func New(opts Options) *Bridge {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		}
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		origin:   strings.TrimRight(opts.Origin, "/"),
		dialer:   dialer,
		sender:   opts.Sender,
		sessions: registry.New[*session](),
		bus:      bus,
		observer: metrics.OrNop(opts.Observer),
		logger:   logger,
	}
}

// Connect opens the local websocket for id, acknowledges it over the tunnel
// and then relays local frames until the session ends or ctx is done.
func (b *Bridge) Connect(ctx context.Context, id string, req tunnel.WSConnect) error {
	if err := b.sessions.Reserve(id); err != nil {
		return err
	}
	b.bus.Publish(eventbus.Event{
		Type: eventbus.TypeWSConnect,
		Payload: eventbus.WSConnectPayload{
			ID:        id,
			Timestamp: eventbus.Timestamp(time.Now()),
			Path:      req.Path,
			Headers:   req.Headers,
		},
	})

	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	start := time.Now()
	conn, _, err := b.dialer.DialContext(ctx, b.origin+path, dialHeader(req.Headers))
	if err != nil {
		b.sessions.Remove(id)
		b.publishDisconnect(id, websocket.CloseAbnormalClosure)
		if ctx.Err() == nil {
			b.notifyClosed(id)
		}
		return fmt.Errorf("dial local websocket %s: %w", path, err)
	}
	elapsed := time.Since(start)

	s := &session{conn: conn}
	if err := b.sessions.Activate(id, s); err != nil {
		conn.Close()
		return err
	}
	b.observer.SessionOpened()

	if err := b.send(tunnel.Envelope{Identifier: id, Message: tunnel.WSAck{}}); err != nil {
		b.logger.Warn("failed to send websocket ack", "identifier", id, "error", err)
	}
	b.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeWSConnected,
		Payload: eventbus.WSConnectedPayload{ID: id, Timing: elapsed.Seconds()},
	})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	b.readLoop(ctx, id, s)
	return nil
}

func (b *Bridge) readLoop(ctx context.Context, id string, s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// A removed entry means Disconnect or CloseAll already ended it.
			if !b.sessions.CompareAndRemove(id, s) {
				return
			}
			s.conn.Close()
			b.observer.SessionClosed()
			b.publishDisconnect(id, closeCode(err))
			if ctx.Err() == nil {
				b.logger.Debug("local websocket closed", "identifier", id, "error", err)
				b.notifyClosed(id)
			}
			return
		}

		if err := b.send(tunnel.Envelope{Identifier: id, Message: tunnel.WSMessage{Body: data}}); err != nil {
			b.logger.Warn("failed to relay websocket message", "identifier", id, "error", err)
		}
		b.bus.Publish(eventbus.Event{
			Type: eventbus.TypeWSOutbound,
			Payload: eventbus.WSFramePayload{
				ID:        id,
				Timestamp: eventbus.Timestamp(time.Now()),
				Body:      data,
			},
		})
	}
}

// RelayIn writes a tunnel frame to the local websocket for id.
func (b *Bridge) RelayIn(id string, msg tunnel.WSMessage) error {
	s, ok := b.sessions.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: message for session %q which is not open", tunnel.ErrSessionState, id)
	}
	messageType := websocket.TextMessage
	if !utf8.Valid(msg.Body) {
		messageType = websocket.BinaryMessage
	}
	if err := s.write(messageType, msg.Body); err != nil {
		return fmt.Errorf("write local websocket %q: %w", id, err)
	}
	b.bus.Publish(eventbus.Event{
		Type: eventbus.TypeWSInbound,
		Payload: eventbus.WSFramePayload{
			ID:        id,
			Timestamp: eventbus.Timestamp(time.Now()),
			Body:      msg.Body,
		},
	})
	return nil
}

// Disconnect closes the local websocket for id at the tunnel's request.
func (b *Bridge) Disconnect(id string) error {
	s, ok := b.sessions.RemoveOpen(id)
	if !ok {
		return fmt.Errorf("%w: disconnect for session %q which is not open", tunnel.ErrSessionState, id)
	}
	b.close(s, websocket.CloseNormalClosure)
	b.observer.SessionClosed()
	b.publishDisconnect(id, websocket.CloseNormalClosure)
	return nil
}

// CloseAll drops every session without notifying the tunnel. It is used
// once the control connection is gone.
func (b *Bridge) CloseAll() {
	for _, id := range b.sessions.IDs() {
		s, ok := b.sessions.Remove(id)
		if !ok || s == nil {
			continue
		}
		b.close(s, websocket.CloseGoingAway)
		b.observer.SessionClosed()
		b.publishDisconnect(id, websocket.CloseGoingAway)
	}
}

// Sessions lists the identifiers currently connecting or open.
func (b *Bridge) Sessions() []string {
	return b.sessions.IDs()
}

// State reports the lifecycle state of id.
func (b *Bridge) State(id string) registry.State {
	return b.sessions.State(id)
}

func (b *Bridge) close(s *session, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.conn.Close()
}

func (b *Bridge) send(env tunnel.Envelope) error {
	if b.sender == nil {
		return errors.New("no tunnel sender configured")
	}
	return b.sender.Send(env)
}

func (b *Bridge) notifyClosed(id string) {
	if err := b.send(tunnel.Envelope{Identifier: id, Message: tunnel.WSDisconnect{}}); err != nil {
		b.logger.Warn("failed to notify tunnel of closed websocket", "identifier", id, "error", err)
	}
}

func (b *Bridge) publishDisconnect(id string, code int) {
	b.bus.Publish(eventbus.Event{
		Type: eventbus.TypeWSDisconnect,
		Payload: eventbus.WSDisconnectPayload{
			ID:        id,
			Timestamp: eventbus.Timestamp(time.Now()),
			CloseCode: code,
		},
	})
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// Headers the dialer manages itself.
var skipDialHeaders = map[string]struct{}{
	"upgrade":                  {},
	"connection":               {},
	"sec-websocket-key":        {},
	"sec-websocket-version":    {},
	"sec-websocket-extensions": {},
	"content-length":           {},
	"transfer-encoding":        {},
}

func dialHeader(headers tunnel.Headers) http.Header {
	h := make(http.Header)
	for _, kv := range headers {
		if _, skip := skipDialHeaders[strings.ToLower(kv.Name)]; skip {
			continue
		}
		h.Add(kv.Name, kv.Value)
	}
	return h
}
