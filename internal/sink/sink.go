// Package sink provides the single-writer playback buffer the assembler
// appends into. At most one append may be outstanding at a time; completion
// is signalled asynchronously on the Idle channel, one result per append.
package sink

import (
	"errors"
	"fmt"
)

var (
	// ErrAppendBusy: an Append was issued while a previous append's result
	// was still undelivered. This is a programming fault in the caller.
	ErrAppendBusy = errors.New("sink: append already outstanding")
	// ErrFinalized: the sink was already finalized (or finalize was called twice).
	ErrFinalized = errors.New("sink: already finalized")
	// ErrNotIdle: Finalize was called with an append outstanding.
	ErrNotIdle = errors.New("sink: finalize with append outstanding")
)

// SinkError is an internal append failure: the sink rejected the data
// (malformed container, unsupported codec mid-stream). The assembler treats
// it exactly like a source error: stop, never finalize, surface once.
type SinkError struct {
	Reason string
	Err    error
}

func (e *SinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sink: %s: %v", e.Reason, e.Err)
	}
	return "sink: " + e.Reason
}

func (e *SinkError) Unwrap() error { return e.Err }

// AppendResult is delivered on Idle exactly once per completed append.
// Err, when non-nil, is a *SinkError and is terminal for the sink.
type AppendResult struct {
	N   int
	Err error
}

// Sink accepts one write at a time and is finalizable once empty and idle.
type Sink interface {
	// Append takes ownership of chunk. Asynchronous: completion arrives on
	// Idle. Precondition: no outstanding append; violation returns ErrAppendBusy.
	Append(chunk []byte) error
	// Idle delivers exactly one AppendResult per completed append.
	Idle() <-chan AppendResult
	// Finalize marks the sink complete. Precondition: no outstanding append
	// and not previously finalized.
	Finalize() error
	// Abort marks the sink failed so readers stop waiting. Used by the
	// assembler on source errors and cancellation. Idempotent; the first
	// error wins.
	Abort(err error)
}
