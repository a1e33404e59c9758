package tunnel

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "request with body",
			msg: HTTPRequest{
				Method: "POST",
				Path:   "/hook?x=1",
				Headers: Headers{
					{Name: "Set-Cookie", Value: "a=1"},
					{Name: "X-Trace", Value: "t"},
					{Name: "Set-Cookie", Value: "b=2"},
				},
				Body: Body("payload\x00\xff"),
			},
		},
		{
			name: "request without body",
			msg:  HTTPRequest{Method: "GET", Path: "/", Headers: Headers{}},
		},
		{
			name: "request with empty body",
			msg:  HTTPRequest{Method: "GET", Path: "/", Headers: Headers{}, Body: Body{}},
		},
		{
			name: "response",
			msg: HTTPResponse{
				Status:  418,
				Headers: Headers{{Name: "content-type", Value: "text/plain"}},
				Body:    Body("teapot"),
			},
		},
		{
			name: "ws connect",
			msg:  WSConnect{Path: "/ws", Headers: Headers{{Name: "Origin", Value: "x"}}},
		},
		{
			name: "ws message",
			msg:  WSMessage{Body: Body("hi")},
		},
		{
			name: "ws message null body",
			msg:  WSMessage{},
		},
		{name: "ws disconnect", msg: WSDisconnect{}},
		{name: "ws ack", msg: WSAck{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Envelope{Identifier: "id-1", Message: tt.msg}
			data, err := Encode(in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			out, err := Decode(data)
			if err != nil {
				t.Fatalf("decode %s: %v", data, err)
			}
			if !reflect.DeepEqual(in, out) {
				t.Fatalf("round trip mismatch:\n in=%#v\nout=%#v", in, out)
			}
		})
	}
}

func TestBodyNullVersusEmpty(t *testing.T) {
	data, _ := Encode(Envelope{Identifier: "a", Message: WSMessage{}})
	if !strings.Contains(string(data), `"body":null`) {
		t.Errorf("nil body encoded as %s", data)
	}
	data, _ = Encode(Envelope{Identifier: "a", Message: WSMessage{Body: Body{}}})
	if !strings.Contains(string(data), `"body":""`) {
		t.Errorf("empty body encoded as %s", data)
	}
}

func TestHeadersWireShape(t *testing.T) {
	data, err := Encode(Envelope{Identifier: "a", Message: WSConnect{
		Path:    "/",
		Headers: Headers{{Name: "A", Value: "1"}, {Name: "A", Value: "2"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"headers":[["A","1"],["A","2"]]`) {
		t.Errorf("unexpected header encoding: %s", data)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		unknown bool
	}{
		{name: "unknown type", data: `{"type":"teleport","identifier":"a","payload":{}}`, unknown: true},
		{name: "missing type", data: `{"identifier":"a","payload":null}`, unknown: true},
		{name: "not json", data: `not json`},
		{name: "request without payload", data: `{"type":"request","identifier":"a","payload":null}`},
		{name: "bad header pair", data: `{"type":"request","identifier":"a","payload":{"method":"GET","path":"/","headers":[["a"]],"body":null}}`},
		{name: "bad base64 body", data: `{"type":"message","identifier":"a","payload":{"body":"%%%"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("err = %v, want ErrProtocol", err)
			}
			if got := errors.Is(err, ErrUnknownKind); got != tt.unknown {
				t.Errorf("ErrUnknownKind = %v, want %v", got, tt.unknown)
			}
		})
	}
}

func TestDecodeDisconnectPayloadVariants(t *testing.T) {
	for _, data := range []string{
		`{"type":"disconnect","identifier":"a","payload":null}`,
		`{"type":"disconnect","identifier":"a","payload":{}}`,
		`{"type":"disconnect","identifier":"a"}`,
	} {
		env, err := Decode([]byte(data))
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if _, ok := env.Message.(WSDisconnect); !ok {
			t.Errorf("decode %s: got %T", data, env.Message)
		}
	}
}

func TestHeadersGet(t *testing.T) {
	hs := Headers{{Name: "Content-Type", Value: "a"}, {Name: "content-type", Value: "b"}}
	if v, ok := hs.Get("CONTENT-TYPE"); !ok || v != "a" {
		t.Errorf("Get = %q, %v", v, ok)
	}
	if _, ok := hs.Get("missing"); ok {
		t.Error("expected missing header")
	}
}

func TestHandshake(t *testing.T) {
	if h := NewHello("", "1.0"); h.Subdomain != nil {
		t.Errorf("empty subdomain should be null, got %q", *h.Subdomain)
	}
	if h := NewHello("app", "1.0"); h.Subdomain == nil || *h.Subdomain != "app" {
		t.Errorf("subdomain not set: %+v", h)
	}

	cfg, err := DecodeConfig([]byte(`{"url":"https://app.example.com"}`))
	if err != nil || cfg.URL != "https://app.example.com" {
		t.Fatalf("DecodeConfig = %+v, %v", cfg, err)
	}
	for _, bad := range []string{`{}`, `[]`, `nope`} {
		if _, err := DecodeConfig([]byte(bad)); !errors.Is(err, ErrProtocol) {
			t.Errorf("DecodeConfig(%s) err = %v, want ErrProtocol", bad, err)
		}
	}
}
