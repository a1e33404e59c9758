package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ttun/internal/eventbus"
	"ttun/internal/logstore"
	"ttun/internal/tunnel"
)

type staticConfig tunnel.Config

func (c staticConfig) Config() tunnel.Config { return tunnel.Config(c) }

type recordingResender struct {
	mu   sync.Mutex
	reqs []tunnel.HTTPRequest
}

func (r *recordingResender) Resend(ctx context.Context, req tunnel.HTTPRequest) tunnel.HTTPResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return tunnel.HTTPResponse{Status: http.StatusOK}
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := New(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestConfigEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Options{Config: staticConfig{URL: "https://myapp.example.com"}})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/config/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["url"] != "https://myapp.example.com" || body["assets"] != "/assets/" {
		t.Errorf("config = %v", body)
	}
}

func TestResendEndpoint(t *testing.T) {
	rs := &recordingResender{}
	_, ts := newTestServer(t, Options{Resender: rs})

	payload := `{"method":"PUT","path":"/items/1","headers":[["X-A","1"]],"body":"aGk="}`
	resp, err := http.Post(ts.URL+"/resend/", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "{}" {
		t.Fatalf("response = %d %q", resp.StatusCode, body)
	}
	rs.mu.Lock()
	reqs := rs.reqs
	rs.mu.Unlock()
	if len(reqs) != 1 {
		t.Fatalf("resent %d requests", len(reqs))
	}
	got := reqs[0]
	if got.Method != "PUT" || got.Path != "/items/1" || string(got.Body) != "hi" || len(got.Headers) != 1 {
		t.Errorf("resent request = %+v", got)
	}

	resp, err = http.Post(ts.URL+"/resend/", "application/json", strings.NewReader("nope"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}
}

func TestInspectStreamsHistoryThenLive(t *testing.T) {
	bus := eventbus.New()
	bus.Publish(eventbus.Event{Type: eventbus.TypeRequest, Payload: eventbus.RequestPayload{ID: "1"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeResponse, Payload: eventbus.ResponsePayload{ID: "1", Status: 200}})
	_, ts := newTestServer(t, Options{Bus: bus})

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/inspect/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var historic struct {
		Type    string            `json:"type"`
		Payload []json.RawMessage `json:"payload"`
	}
	if err := ws.ReadJSON(&historic); err != nil {
		t.Fatal(err)
	}
	if historic.Type != "historic" || len(historic.Payload) != 2 {
		t.Fatalf("historic = %s with %d events", historic.Type, len(historic.Payload))
	}

	for bus.Subscribers() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(eventbus.Event{Type: eventbus.TypeWSConnect, Payload: eventbus.WSConnectPayload{ID: "w", Path: "/ws"}})

	var live struct {
		Type    string `json:"type"`
		Payload struct {
			ID   string `json:"id"`
			Path string `json:"path"`
		} `json:"payload"`
	}
	if err := ws.ReadJSON(&live); err != nil {
		t.Fatal(err)
	}
	if live.Type != eventbus.TypeWSConnect || live.Payload.ID != "w" || live.Payload.Path != "/ws" {
		t.Errorf("live event = %+v", live)
	}

	ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after the socket closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequestsEndpoint(t *testing.T) {
	store := logstore.New(5)
	store.Put(logstore.Entry{ID: "old", Kind: logstore.KindHTTP, Path: "/a"})
	store.Put(logstore.Entry{ID: "new", Kind: logstore.KindHTTP, Path: "/b"})
	_, ts := newTestServer(t, Options{Exchanges: store})

	resp, err := http.Get(ts.URL + "/api/requests")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []logstore.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != "new" || entries[1].ID != "old" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestStaticUI(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	for _, path := range []string{"/", "/assets/app.js"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

func TestServeSkipsOccupiedPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	base := busy.Addr().(*net.TCPAddr).Port

	started := make(chan int, 1)
	s := New(Options{Host: "127.0.0.1", Port: base, OnStarted: func(p int) { started <- p }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	var port int
	select {
	case port = <-started:
	case err := <-done:
		t.Fatalf("Serve: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never started")
	}
	if port <= base {
		t.Fatalf("bound %d, want a port above the occupied %d", port, base)
	}
	if s.Port() != port {
		t.Errorf("Port() = %d, want %d", s.Port(), port)
	}

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/config/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve after cancel = %v", err)
	}
}

func TestListenRunsOutOfPorts(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:65535")
	if err != nil {
		t.Skip("port 65535 unavailable:", err)
	}
	defer busy.Close()

	s := New(Options{Host: "127.0.0.1", Port: 65535})
	if _, err := s.Listen(); !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("err = %v, want ErrNoFreePort", err)
	}
}
