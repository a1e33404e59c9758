// Package metrics defines the hooks the tunnel client reports through.
package metrics

import (
	"time"
)

// RejectReason labels envelopes the dispatcher refused to act on.
type RejectReason string

const (
	RejectMalformed    RejectReason = "malformed"
	RejectUnknownKind  RejectReason = "unknown_kind"
	RejectSessionState RejectReason = "session_state"
)

// Observer receives client-side metric events. Implementations must be safe
// for concurrent use.
type Observer interface {
	RequestProxied(status int, d time.Duration)
	SessionOpened()
	SessionClosed()
	TaskStarted()
	TaskFinished()
	EnvelopeRejected(reason RejectReason)
	EventDropped()
}

// Nop discards everything.
type Nop struct{}

func (Nop) RequestProxied(int, time.Duration) {}
func (Nop) SessionOpened()                    {}
func (Nop) SessionClosed()                    {}
func (Nop) TaskStarted()                      {}
func (Nop) TaskFinished()                     {}
func (Nop) EnvelopeRejected(RejectReason)     {}
func (Nop) EventDropped()                     {}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}
