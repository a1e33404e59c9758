package logstore

import (
	"context"
	"log/slog"

	"ttun/internal/eventbus"
)

// Recorder folds bus events into entries and writes them to a Sink.
type Recorder struct {
	bus    *eventbus.Bus
	sink   Sink
	logger *slog.Logger
	open   map[string]Entry
}

func NewRecorder(bus *eventbus.Bus, sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{bus: bus, sink: sink, logger: logger, open: make(map[string]Entry)}
}

// Run replays the bus history and then follows live events until ctx is
// done.
func (r *Recorder) Run(ctx context.Context) error {
	history, sub := r.bus.SubscribeWithHistory()
	defer sub.Close()
	for _, e := range history {
		r.Apply(e)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			r.Apply(e)
		}
	}
}

// Apply folds a single event. It is not safe for concurrent use.
func (r *Recorder) Apply(ev eventbus.Event) {
	var (
		e    Entry
		done bool
	)
	switch p := ev.Payload.(type) {
	case eventbus.RequestPayload:
		e = Entry{
			ID:             p.ID,
			Kind:           KindHTTP,
			Timestamp:      p.Timestamp,
			Method:         p.Method,
			Path:           p.Path,
			RequestHeaders: p.Headers,
			RequestBody:    p.Body,
		}
	case eventbus.ResponsePayload:
		e = r.lookup(p.ID, KindHTTP)
		e.Status = p.Status
		e.Timing = p.Timing
		e.ResponseHeaders = p.Headers
		e.ResponseBody = p.Body
		done = true
	case eventbus.WSConnectPayload:
		e = Entry{
			ID:             p.ID,
			Kind:           KindWebSocket,
			Timestamp:      p.Timestamp,
			Method:         "GET",
			Path:           p.Path,
			RequestHeaders: p.Headers,
		}
	case eventbus.WSConnectedPayload:
		e = r.lookup(p.ID, KindWebSocket)
		e.Status = 101
		e.Timing = p.Timing
	case eventbus.WSFramePayload:
		e = r.lookup(p.ID, KindWebSocket)
		e.Frames++
	case eventbus.WSDisconnectPayload:
		e = r.lookup(p.ID, KindWebSocket)
		e.CloseCode = p.CloseCode
		done = true
	default:
		r.logger.Debug("exchange log ignoring event", "type", ev.Type)
		return
	}

	e.Done = done
	if done {
		delete(r.open, e.ID)
	} else {
		r.open[e.ID] = e
	}
	if err := r.sink.Put(e); err != nil {
		r.logger.Warn("failed to record exchange", "id", e.ID, "error", err)
	}
}

func (r *Recorder) lookup(id, kind string) Entry {
	if e, ok := r.open[id]; ok {
		return e
	}
	if e, ok, err := r.sink.Get(id); err == nil && ok {
		return e
	}
	return Entry{ID: id, Kind: kind}
}
