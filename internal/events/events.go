// Package events defines the incremental analysis events and the sinks that
// deliver them as newline-delimited JSON.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bdougie/jointvision/internal/models"
)

// Event is one of Start, Progress, Done or Error.
type Event interface {
	Name() string
	event()
}

// Start opens a stream. TotalFrames is the planned processing count.
type Start struct {
	TotalFrames int
}

// Progress follows every processed frame.
type Progress struct {
	FrameIndex  uint64
	TotalFrames int
}

// Done ends a successful stream.
type Done struct {
	Measurements []models.AngleMeasurement
	TotalFrames  int
	Truncated    bool
}

// Error ends a failed stream.
type Error struct {
	Message string
}

func (Start) Name() string    { return "start" }
func (Progress) Name() string { return "progress" }
func (Done) Name() string     { return "done" }
func (Error) Name() string    { return "error" }

func (Start) event()    {}
func (Progress) event() {}
func (Done) event()     {}
func (Error) event()    {}

// Terminal reports whether e ends a stream.
func Terminal(e Event) bool {
	switch e.(type) {
	case Done, Error:
		return true
	default:
		return false
	}
}

type startWire struct {
	Event       string `json:"event"`
	TotalFrames int    `json:"total_frames"`
}

type progressWire struct {
	Event       string `json:"event"`
	FrameIndex  uint64 `json:"frame_index"`
	TotalFrames int    `json:"total_frames"`
}

type doneWire struct {
	Event       string                    `json:"event"`
	Frames      []models.AngleMeasurement `json:"frames"`
	TotalFrames int                       `json:"total_frames"`
	Truncated   bool                      `json:"truncated"`
}

type errorWire struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Wire returns the JSON object written for e.
func Wire(e Event) any {
	switch e := e.(type) {
	case Start:
		return startWire{Event: e.Name(), TotalFrames: e.TotalFrames}
	case Progress:
		return progressWire{Event: e.Name(), FrameIndex: e.FrameIndex, TotalFrames: e.TotalFrames}
	case Done:
		frames := e.Measurements
		if frames == nil {
			frames = []models.AngleMeasurement{}
		}
		return doneWire{Event: e.Name(), Frames: frames, TotalFrames: e.TotalFrames, Truncated: e.Truncated}
	case Error:
		return errorWire{Event: e.Name(), Message: e.Message}
	default:
		panic(fmt.Sprintf("events: unknown event %T", e))
	}
}

// Decode parses one NDJSON line back into an event.
func Decode(line []byte) (Event, error) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("events: decode: %w", err)
	}

	switch head.Event {
	case "start":
		var w startWire
		if err := json.Unmarshal(line, &w); err != nil {
			return nil, fmt.Errorf("events: decode start: %w", err)
		}
		return Start{TotalFrames: w.TotalFrames}, nil
	case "progress":
		var w progressWire
		if err := json.Unmarshal(line, &w); err != nil {
			return nil, fmt.Errorf("events: decode progress: %w", err)
		}
		return Progress{FrameIndex: w.FrameIndex, TotalFrames: w.TotalFrames}, nil
	case "done":
		var w doneWire
		if err := json.Unmarshal(line, &w); err != nil {
			return nil, fmt.Errorf("events: decode done: %w", err)
		}
		return Done{Measurements: w.Frames, TotalFrames: w.TotalFrames, Truncated: w.Truncated}, nil
	case "error":
		var w errorWire
		if err := json.Unmarshal(line, &w); err != nil {
			return nil, fmt.Errorf("events: decode error: %w", err)
		}
		return Error{Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("events: unknown event %q", head.Event)
	}
}

// Sink receives the events of one run in order. Emit blocks until the event
// has been handed to the consumer.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// NDJSON writes one JSON object per line and flushes after each.
type NDJSON struct {
	w       io.Writer
	encoder *json.Encoder
}

// NewNDJSON wraps w. If w is an http.Flusher or has a Flush() error method it
// is flushed after every event.
func NewNDJSON(w io.Writer) *NDJSON {
	return &NDJSON{w: w, encoder: json.NewEncoder(w)}
}

// Emit writes e. The write itself is what blocks, so ctx is not consulted.
func (s *NDJSON) Emit(_ context.Context, e Event) error {
	if err := s.encoder.Encode(Wire(e)); err != nil {
		return fmt.Errorf("events: write %s: %w", e.Name(), err)
	}

	switch f := s.w.(type) {
	case http.Flusher:
		f.Flush()
	case interface{ Flush() error }:
		if err := f.Flush(); err != nil {
			return fmt.Errorf("events: flush %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ChanSink hands events to a reader goroutine one at a time.
type ChanSink struct {
	C chan Event
}

// NewChanSink returns a sink over an unbuffered channel.
func NewChanSink() *ChanSink {
	return &ChanSink{C: make(chan Event)}
}

// Emit blocks until the reader takes e or ctx is done.
func (s *ChanSink) Emit(ctx context.Context, e Event) error {
	select {
	case s.C <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals the reader that no more events follow.
func (s *ChanSink) Close() {
	close(s.C)
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, e Event) error

// Emit calls f.
func (f Func) Emit(ctx context.Context, e Event) error {
	return f(ctx, e)
}
