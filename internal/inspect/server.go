// Package inspect serves the local inspection UI and its API.
package inspect

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/rs/cors"

	"ttun/internal/eventbus"
	"ttun/internal/logstore"
	"ttun/internal/tunnel"
)

// DefaultPort is where port probing starts.
const DefaultPort = 4040

// AssetsPath is advertised to the UI through /config/.
const AssetsPath = "/assets/"

// ErrNoFreePort is returned when probing runs past the last TCP port.
var ErrNoFreePort = errors.New("no free port for the inspection server")

//go:embed static
var staticFiles embed.FS

// ConfigSource reports the tunnel configuration.
type ConfigSource interface {
	Config() tunnel.Config
}

// Resender replays a captured request against the local target.
type Resender interface {
	Resend(ctx context.Context, req tunnel.HTTPRequest) tunnel.HTTPResponse
}

type Options struct {
	Host string
	// Port is the first port tried; each bind failure moves to the next one.
	Port     int
	Bus      *eventbus.Bus
	Config   ConfigSource
	Resender Resender
	// Exchanges backs /api/requests when set.
	Exchanges logstore.Sink
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// OnStarted is called once with the bound port before serving.
	OnStarted func(port int)
	Logger    *slog.Logger
}

// Server is the inspection HTTP server.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	port     atomic.Int64
}

func New(opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Port returns the bound port, or 0 before Serve has bound one.
func (s *Server) Port() int {
	return int(s.port.Load())
}

// Handler returns the routed, CORS-open handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/config/", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/resend/", s.handleResend).Methods(http.MethodPost)
	r.HandleFunc("/inspect/", s.handleInspect).Methods(http.MethodGet)
	r.HandleFunc("/api/requests", s.handleRequests).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}

	static, _ := fs.Sub(staticFiles, "static")
	r.PathPrefix("/").Handler(http.FileServer(http.FS(static)))

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	var h http.Handler = c.Handler(r)
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		h = requestlog.Wrap(h)
	}
	return h
}

// Listen binds the first free port at or above the configured one.
func (s *Server) Listen() (net.Listener, error) {
	for port := s.opts.Port; port <= 65535; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(port)))
		if err == nil {
			s.port.Store(int64(port))
			return l, nil
		}
		s.logger.Debug("inspection port unavailable", "port", port, "error", err)
	}
	return nil, fmt.Errorf("%w: tried %d-65535", ErrNoFreePort, s.opts.Port)
}

// Serve binds a port, reports it through OnStarted and serves until ctx is
// done.
func (s *Server) Serve(ctx context.Context) error {
	l, err := s.Listen()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if s.opts.OnStarted != nil {
		s.opts.OnStarted(s.Port())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("inspection server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	}
}

type configResponse struct {
	tunnel.Config
	Assets string `json:"assets"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var cfg tunnel.Config
	if s.opts.Config != nil {
		cfg = s.opts.Config.Config()
	}
	writeJSON(w, http.StatusOK, configResponse{Config: cfg, Assets: AssetsPath})
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	if s.opts.Resender == nil {
		http.Error(w, "resend is not available", http.StatusServiceUnavailable)
		return
	}
	var req tunnel.HTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.opts.Resender.Resend(r.Context(), req)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if s.opts.Exchanges == nil {
		writeJSON(w, http.StatusOK, []logstore.Entry{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.opts.Exchanges.Recent(limit)
	if err != nil {
		s.logger.Error("failed to read exchange log", "error", err)
		http.Error(w, "exchange log unavailable", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []logstore.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleInspect sends the full history as one "historic" event and then
// streams live events until either side goes away.
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	history, sub := s.opts.Bus.SubscribeWithHistory()
	defer sub.Close()

	if err := ws.WriteJSON(eventbus.Event{Type: "historic", Payload: history}); err != nil {
		return
	}

	// The UI never sends anything; reading only notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := ws.WriteJSON(e); err != nil {
				s.logger.Debug("inspection stream closed", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
