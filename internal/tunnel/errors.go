package tunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the control connection could not be opened or
	// was lost. It ends the client's run.
	ErrConnection = errors.New("tunnel: connection error")

	// ErrProtocol marks a malformed handshake or envelope.
	ErrProtocol = errors.New("tunnel: protocol error")

	// ErrUnknownKind is returned for an envelope whose type tag is not known.
	ErrUnknownKind = fmt.Errorf("%w: unknown message type", ErrProtocol)

	// ErrSessionState marks an operation on an unknown or duplicate
	// websocket session identifier.
	ErrSessionState = errors.New("tunnel: session state error")
)
