package eventbus

import (
	"time"

	"ttun/internal/tunnel"
)

// Event types understood by the inspection UI.
const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeWSConnect    = "websocket_connect"
	TypeWSConnected  = "websocket_connected"
	TypeWSInbound    = "websocket_inbound"
	TypeWSOutbound   = "websocket_outbound"
	TypeWSDisconnect = "websocket_disconnect"
)

// TimestampLayout is ISO 8601 local time with microseconds.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Timestamp formats t for event payloads.
func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

type RequestPayload struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Method    string         `json:"method"`
	Path      string         `json:"path"`
	Headers   tunnel.Headers `json:"headers"`
	Body      tunnel.Body    `json:"body"`
}

// ResponsePayload shares its ID with the RequestPayload it answers. Timing
// is in seconds.
type ResponsePayload struct {
	ID      string         `json:"id"`
	Timing  float64        `json:"timing"`
	Status  int            `json:"status"`
	Headers tunnel.Headers `json:"headers"`
	Body    tunnel.Body    `json:"body"`
}

type WSConnectPayload struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Path      string         `json:"path"`
	Headers   tunnel.Headers `json:"headers"`
}

type WSConnectedPayload struct {
	ID     string  `json:"id"`
	Timing float64 `json:"timing"`
}

// WSFramePayload is used by both websocket_inbound and websocket_outbound.
type WSFramePayload struct {
	ID        string      `json:"id"`
	Timestamp string      `json:"timestamp"`
	Body      tunnel.Body `json:"body"`
}

type WSDisconnectPayload struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	CloseCode int    `json:"close_code"`
}
