package tunnel

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the wire tag of an envelope.
type Kind string

const (
	KindHTTPRequest  Kind = "request"
	KindHTTPResponse Kind = "response"
	KindWSConnect    Kind = "connect"
	KindWSMessage    Kind = "message"
	KindWSDisconnect Kind = "disconnect"
	KindWSAck        Kind = "ack"
)

// Message is one case of the envelope payload union.
type Message interface {
	Kind() Kind
}

// Header is a single (name, value) pair, encoded as a two element JSON array.
type Header struct {
	Name  string
	Value string
}

func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{h.Name, h.Value})
}

func (h *Header) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("header: want 2 elements, got %d", len(pair))
	}
	h.Name, h.Value = pair[0], pair[1]
	return nil
}

// Headers keeps order and duplicates.
type Headers []Header

// Get returns the first value for name, compared case-insensitively.
func (hs Headers) Get(name string) (string, bool) {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Body is raw payload bytes carried as base64 text. A nil Body encodes as
// null, an empty non-nil Body as "".
type Body []byte

func (b Body) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func (b *Body) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("body: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("body: %w", err)
	}
	if raw == nil {
		raw = []byte{}
	}
	*b = raw
	return nil
}

// HTTPRequest asks the client to call the local target.
type HTTPRequest struct {
	Method  string  `json:"method"`
	Path    string  `json:"path"`
	Headers Headers `json:"headers"`
	Body    Body    `json:"body"`
}

// HTTPResponse carries the local target's answer back to the server.
type HTTPResponse struct {
	Status  int     `json:"status"`
	Headers Headers `json:"headers"`
	Body    Body    `json:"body"`
}

// WSConnect opens a local websocket at Path.
type WSConnect struct {
	Path    string  `json:"path"`
	Headers Headers `json:"headers"`
}

// WSMessage is a single websocket frame relayed in either direction.
type WSMessage struct {
	Body Body `json:"body"`
}

// WSDisconnect closes a session. It has no payload.
type WSDisconnect struct{}

// WSAck confirms a WSConnect. It has no payload.
type WSAck struct{}

func (HTTPRequest) Kind() Kind  { return KindHTTPRequest }
func (HTTPResponse) Kind() Kind { return KindHTTPResponse }
func (WSConnect) Kind() Kind    { return KindWSConnect }
func (WSMessage) Kind() Kind    { return KindWSMessage }
func (WSDisconnect) Kind() Kind { return KindWSDisconnect }
func (WSAck) Kind() Kind        { return KindWSAck }

// Envelope is one frame on the control connection.
type Envelope struct {
	Identifier string
	Message    Message
}

type wireEnvelope struct {
	Type       Kind            `json:"type"`
	Identifier string          `json:"identifier"`
	Payload    json.RawMessage `json:"payload"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Message == nil {
		return nil, fmt.Errorf("%w: envelope %q has no message", ErrProtocol, e.Identifier)
	}
	var payload json.RawMessage
	switch e.Message.(type) {
	case WSDisconnect, WSAck, *WSDisconnect, *WSAck:
		payload = json.RawMessage("null")
	default:
		raw, err := json.Marshal(e.Message)
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	return json.Marshal(wireEnvelope{
		Type:       e.Message.Kind(),
		Identifier: e.Identifier,
		Payload:    payload,
	})
}

// UnmarshalJSON validates the tag before it looks at the payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	var m Message
	switch w.Type {
	case KindHTTPRequest:
		var p HTTPRequest
		if err := decodePayload(w.Payload, &p); err != nil {
			return err
		}
		m = p
	case KindHTTPResponse:
		var p HTTPResponse
		if err := decodePayload(w.Payload, &p); err != nil {
			return err
		}
		m = p
	case KindWSConnect:
		var p WSConnect
		if err := decodePayload(w.Payload, &p); err != nil {
			return err
		}
		m = p
	case KindWSMessage:
		var p WSMessage
		if err := decodePayload(w.Payload, &p); err != nil {
			return err
		}
		m = p
	case KindWSDisconnect:
		m = WSDisconnect{}
	case KindWSAck:
		m = WSAck{}
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, w.Type)
	}
	e.Identifier = w.Identifier
	e.Message = m
	return nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// Decode parses a single control-connection frame.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		if errors.Is(err, ErrProtocol) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return e, nil
}

// Encode serializes a single control-connection frame.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}
