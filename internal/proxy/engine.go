// Package proxy executes tunnelled HTTP requests against the local target.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"

	"ttun/internal/eventbus"
	"ttun/internal/metrics"
	"ttun/internal/tunnel"
)

// Options configures an Engine.
type Options struct {
	// Origin is the scheme://host:port of the local target.
	Origin string
	// Timeout bounds a single local request. Zero means no limit.
	Timeout time.Duration
	// Client overrides the HTTP client built from Timeout.
	Client   *http.Client
	Bus      *eventbus.Bus
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Engine proxies one request at a time per call; it is safe for concurrent use.
type Engine struct {
	origin   string
	client   *http.Client
	bus      *eventbus.Bus
	observer metrics.Observer
	logger   *slog.Logger
}

func New(opts Options) (*Engine, error) {
	u, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", opts.Origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid origin %q: want http(s)://host:port", opts.Origin)
	}
	client := opts.Client
	if client == nil {
		client = NewHTTPClient(opts.Timeout)
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		origin:   strings.TrimRight(u.Scheme+"://"+u.Host, "/"),
		client:   client,
		bus:      bus,
		observer: metrics.OrNop(opts.Observer),
		logger:   logger,
	}, nil
}

// NewHTTPClient returns a client that never follows redirects and keeps no
// cookies.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Origin returns the local target origin.
func (e *Engine) Origin() string {
	return e.origin
}

// Do proxies req and always returns a response; local failures become 502
// or 504. onResponse, when set, runs before the response event is published.
func (e *Engine) Do(ctx context.Context, req tunnel.HTTPRequest, onResponse func(tunnel.HTTPResponse)) tunnel.HTTPResponse {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRequest,
		Payload: eventbus.RequestPayload{
			ID:        id,
			Timestamp: eventbus.Timestamp(time.Now()),
			Method:    req.Method,
			Path:      req.Path,
			Headers:   req.Headers,
			Body:      req.Body,
		},
	})

	start := time.Now()
	resp := e.roundTrip(ctx, req)
	elapsed := time.Since(start)

	if onResponse != nil {
		onResponse(resp)
	}

	e.observer.RequestProxied(resp.Status, elapsed)
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeResponse,
		Payload: eventbus.ResponsePayload{
			ID:      id,
			Timing:  elapsed.Seconds(),
			Status:  resp.Status,
			Headers: resp.Headers,
			Body:    resp.Body,
		},
	})
	e.logger.Debug("proxied request",
		"id", id,
		"method", req.Method,
		"path", req.Path,
		"status", resp.Status,
		"size", sizestr.ToString(int64(len(resp.Body))),
		"elapsed", elapsed)
	return resp
}

func (e *Engine) roundTrip(ctx context.Context, req tunnel.HTTPRequest) tunnel.HTTPResponse {
	if req.Method == "" || req.Path == "" {
		return errorResponse(http.StatusBadGateway, errors.New("request needs a method and a path"))
	}
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, e.origin+path, body)
	if err != nil {
		return errorResponse(http.StatusBadGateway, err)
	}
	applyRequestHeaders(httpReq, req.Headers)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return errorResponse(StatusForError(err), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(http.StatusBadGateway, err)
	}

	return tunnel.HTTPResponse{
		Status:  resp.StatusCode,
		Headers: ResponseHeaders(resp.Header),
		Body:    data,
	}
}

// StatusForError maps a client-side transport failure to a gateway status:
// 504 when the local target could not be reached at all, 502 otherwise.
func StatusForError(err error) int {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func errorResponse(status int, err error) tunnel.HTTPResponse {
	return tunnel.HTTPResponse{
		Status:  status,
		Headers: tunnel.Headers{{Name: "content-type", Value: "text/plain"}},
		Body:    tunnel.Body(err.Error()),
	}
}

// applyRequestHeaders copies headers in order. Host becomes the request
// host; framing headers are left to net/http, and Accept-Encoding is dropped
// so the transport negotiates and decodes compression itself.
func applyRequestHeaders(r *http.Request, headers tunnel.Headers) {
	for _, h := range headers {
		switch strings.ToLower(h.Name) {
		case "host":
			r.Host = h.Value
		case "content-length", "transfer-encoding", "accept-encoding":
		default:
			r.Header.Add(h.Name, h.Value)
		}
	}
}

var hopByHop = map[string]struct{}{
	"transfer-encoding": {},
	"content-encoding":  {},
	"content-length":    {},
}

// IsHopByHop reports whether name must not cross the proxy boundary.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[strings.ToLower(name)]
	return ok
}

// ResponseHeaders flattens h without hop-by-hop headers. Names come out
// sorted; values keep their received order.
func ResponseHeaders(h http.Header) tunnel.Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		if !IsHopByHop(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make(tunnel.Headers, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, tunnel.Header{Name: name, Value: v})
		}
	}
	return out
}
