package assembler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/audiocast/audio-gateway/internal/sink"
)

// scriptSource yields its chunks in order, then errs (io.EOF by default).
// When step is non-nil every ReadNext waits for one step send, so tests can
// interleave reads against sink completions deterministically.
type scriptSource struct {
	mu     sync.Mutex
	chunks [][]byte
	i      int
	final  error
	step   chan struct{}
	reads  int
	closed bool
}

func (s *scriptSource) ReadNext() ([]byte, error) {
	if s.step != nil {
		if _, ok := <-s.step; !ok {
			return nil, io.EOF
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.final != nil {
		return nil, s.final
	}
	return nil, io.EOF
}

func (s *scriptSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *scriptSource) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// recordSink records appends and lets the test decide when each completes.
// auto completes every append immediately, in order.
type recordSink struct {
	mu          sync.Mutex
	appends     [][]byte
	outstanding int
	violation   bool // two appends outstanding at once
	finalizes   int
	aborted     error
	idle        chan sink.AppendResult
	auto        bool
	failOn      int // 1-based append index whose completion carries a SinkError; 0 = never
}

func newRecordSink(auto bool) *recordSink {
	return &recordSink{idle: make(chan sink.AppendResult, 1), auto: auto}
}

func (r *recordSink) Append(chunk []byte) error {
	r.mu.Lock()
	r.outstanding++
	if r.outstanding > 1 {
		r.violation = true
	}
	r.appends = append(r.appends, chunk)
	n := len(r.appends)
	auto := r.auto
	r.mu.Unlock()
	if auto {
		r.complete(n)
	}
	return nil
}

// complete delivers the idle signal for the idx-th (1-based) append. It
// waits for that append to be recorded first, so a draining goroutine can
// run ahead of the pipeline.
func (r *recordSink) complete(idx int) {
	for {
		r.mu.Lock()
		if len(r.appends) >= idx {
			break
		}
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	r.outstanding--
	res := sink.AppendResult{N: len(r.appends[idx-1])}
	if r.failOn == idx {
		res.Err = &sink.SinkError{Reason: "malformed frame"}
	}
	r.mu.Unlock()
	r.idle <- res
}

func (r *recordSink) Idle() <-chan sink.AppendResult { return r.idle }

func (r *recordSink) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outstanding != 0 {
		return sink.ErrNotIdle
	}
	r.finalizes++
	if r.finalizes > 1 {
		return sink.ErrFinalized
	}
	return nil
}

func (r *recordSink) Abort(err error) {
	r.mu.Lock()
	if r.aborted == nil {
		r.aborted = err
	}
	r.mu.Unlock()
}

func (r *recordSink) snapshot() (appends [][]byte, finalizes int, violation bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.appends...), r.finalizes, r.violation
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func chunks(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func sameChunks(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Fast sink: each append completes before the next chunk arrives;
// appends occur in order, then exactly one finalize.
func TestRun_inOrderThenFinalize(t *testing.T) {
	src := &scriptSource{chunks: chunks("C1", "C2", "C3")}
	snk := newRecordSink(true)
	p := New(src, snk, Config{Name: "a"})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	appends, finalizes, violation := snk.snapshot()
	if !sameChunks(appends, chunks("C1", "C2", "C3")) {
		t.Errorf("appends = %q", appends)
	}
	if finalizes != 1 {
		t.Errorf("finalizes = %d, want 1", finalizes)
	}
	if violation {
		t.Error("two appends were outstanding at once")
	}
	if p.State() != StateFinalized {
		t.Errorf("State = %v, want finalized", p.State())
	}
	if !src.closed {
		t.Error("source not closed")
	}
}

// Order preserved for a long chunk sequence with an
// immediately-completing sink.
func TestRun_orderPreservedManyChunks(t *testing.T) {
	var in [][]byte
	for i := 0; i < 500; i++ {
		in = append(in, []byte{byte(i), byte(i >> 8)})
	}
	src := &scriptSource{chunks: in}
	snk := newRecordSink(true)
	p := New(src, snk, Config{})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	appends, _, violation := snk.snapshot()
	if !sameChunks(appends, in) {
		t.Fatalf("order not preserved across %d chunks", len(in))
	}
	if violation {
		t.Error("single-writer invariant violated")
	}
}

// Slow sink: C2 arrives while C1's append is outstanding; it must queue and
// be appended only after C1's idle signal.
func TestRun_chunkQueuesWhileWriterBusy(t *testing.T) {
	src := &scriptSource{chunks: chunks("C1", "C2"), step: make(chan struct{}, 3)}
	snk := newRecordSink(false)
	p := New(src, snk, Config{})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	src.step <- struct{}{} // deliver C1
	waitFor(t, "C1 appended", func() bool { a, _, _ := snk.snapshot(); return len(a) == 1 })

	src.step <- struct{}{} // deliver C2 while C1 is outstanding
	waitFor(t, "C2 read", func() bool { return src.readCount() == 2 })
	time.Sleep(20 * time.Millisecond)
	if a, _, _ := snk.snapshot(); len(a) != 1 {
		t.Fatalf("C2 appended while C1 outstanding: appends=%q", a)
	}

	snk.complete(1)
	waitFor(t, "C2 appended after C1 idle", func() bool { a, _, _ := snk.snapshot(); return len(a) == 2 })
	snk.complete(2)
	close(src.step) // EOF

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	appends, finalizes, violation := snk.snapshot()
	if !sameChunks(appends, chunks("C1", "C2")) || finalizes != 1 || violation {
		t.Errorf("appends=%q finalizes=%d violation=%t", appends, finalizes, violation)
	}
}

// The source exhausts while C1's append is outstanding; finalize is
// deferred until C1's idle fires.
func TestRun_finalizeDeferredUntilIdle(t *testing.T) {
	src := &scriptSource{chunks: chunks("C1")}
	snk := newRecordSink(false)
	p := New(src, snk, Config{})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	waitFor(t, "C1 appended", func() bool { a, _, _ := snk.snapshot(); return len(a) == 1 })
	// Source has already hit EOF; give the loop time to (incorrectly) finalize.
	time.Sleep(20 * time.Millisecond)
	if _, finalizes, _ := snk.snapshot(); finalizes != 0 {
		t.Fatal("finalized while an append was outstanding")
	}
	snk.complete(1)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, finalizes, _ := snk.snapshot(); finalizes != 1 {
		t.Errorf("finalizes = %d, want 1", finalizes)
	}
}

// The read fails while C1's append is outstanding; C1's idle is
// still consumed, finalize never happens, and the error surfaces once.
func TestRun_readErrorWhileAppendOutstanding(t *testing.T) {
	readErr := errors.New("connection reset")
	src := &scriptSource{chunks: chunks("C1"), final: readErr}
	snk := newRecordSink(false)
	p := New(src, snk, Config{})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	waitFor(t, "C1 appended", func() bool { a, _, _ := snk.snapshot(); return len(a) == 1 })
	time.Sleep(10 * time.Millisecond)
	snk.complete(1)

	err := <-done
	if !errors.Is(err, readErr) {
		t.Fatalf("Run = %v, want %v", err, readErr)
	}
	if _, finalizes, _ := snk.snapshot(); finalizes != 0 {
		t.Error("finalize called after read error")
	}
	if p.State() != StateFailed {
		t.Errorf("State = %v, want failed", p.State())
	}
	snk.mu.Lock()
	aborted := snk.aborted
	snk.mu.Unlock()
	if !errors.Is(aborted, readErr) {
		t.Errorf("sink not aborted with the read error: %v", aborted)
	}
}

// A failed append completion halts the pipeline; no
// further appends, no finalize.
func TestRun_sinkErrorHaltsPipeline(t *testing.T) {
	src := &scriptSource{chunks: chunks("C1", "C2", "C3")}
	snk := newRecordSink(true)
	snk.failOn = 2
	p := New(src, snk, Config{})
	err := p.Run(context.Background())
	var se *sink.SinkError
	if !errors.As(err, &se) {
		t.Fatalf("Run = %v, want *sink.SinkError", err)
	}
	appends, finalizes, _ := snk.snapshot()
	if len(appends) > 2 {
		t.Errorf("appends continued after sink error: %q", appends)
	}
	if finalizes != 0 {
		t.Error("finalize called after sink error")
	}
}

// Cancellation is treated exactly like a source error.
func TestRun_cancellation(t *testing.T) {
	src := &scriptSource{chunks: chunks("C1", "C2"), step: make(chan struct{}, 1)}
	snk := newRecordSink(false)
	p := New(src, snk, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	src.step <- struct{}{}
	waitFor(t, "C1 appended", func() bool { a, _, _ := snk.snapshot(); return len(a) == 1 })
	cancel()
	time.Sleep(10 * time.Millisecond)
	snk.complete(1)

	err := <-done
	close(src.step) // unblock the read loop
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if _, finalizes, _ := snk.snapshot(); finalizes != 0 {
		t.Error("finalize called after cancellation")
	}
}

// Watermarks: with a stalled sink the read loop must stop once queued bytes
// reach the high watermark, and resume after the queue drains below low.
func TestRun_watermarkBackpressure(t *testing.T) {
	var in [][]byte
	for i := 0; i < 32; i++ {
		in = append(in, bytes.Repeat([]byte{byte(i)}, 4))
	}
	src := &scriptSource{chunks: in}
	snk := newRecordSink(false)
	p := New(src, snk, Config{HighWatermark: 16, LowWatermark: 4})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// One chunk goes straight to the sink; at most high/size = 4 more queue.
	waitFor(t, "reads to stall", func() bool { return src.readCount() >= 5 })
	time.Sleep(30 * time.Millisecond)
	stalled := src.readCount()
	if stalled > 7 {
		t.Fatalf("read loop ran past the high watermark: %d reads", stalled)
	}

	// Drain everything; reads resume and the stream finalizes.
	go func() {
		for i := 1; i <= len(in); i++ {
			snk.complete(i)
		}
	}()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	appends, finalizes, violation := snk.snapshot()
	if !sameChunks(appends, in) {
		t.Errorf("order lost under backpressure")
	}
	if finalizes != 1 || violation {
		t.Errorf("finalizes=%d violation=%t", finalizes, violation)
	}
}

func TestRun_readyAfterFirstAppend(t *testing.T) {
	src := &scriptSource{chunks: chunks("C1"), step: make(chan struct{}, 1)}
	snk := newRecordSink(false)
	p := New(src, snk, Config{})
	go p.Run(context.Background())

	select {
	case <-p.Ready():
		t.Fatal("ready before any append completed")
	case <-time.After(10 * time.Millisecond):
	}
	src.step <- struct{}{}
	waitFor(t, "C1 appended", func() bool { a, _, _ := snk.snapshot(); return len(a) == 1 })
	snk.complete(1)
	select {
	case <-p.Ready():
	case <-time.After(time.Second):
		t.Fatal("ready never fired after first completed append")
	}
	close(src.step)
	<-p.Done()
}

func TestRun_twiceFails(t *testing.T) {
	src := &scriptSource{}
	snk := newRecordSink(true)
	p := New(src, snk, Config{})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := p.Run(context.Background()); err != ErrAlreadyRan {
		t.Errorf("second Run = %v, want ErrAlreadyRan", err)
	}
}

func TestRun_emptySourceFinalizes(t *testing.T) {
	src := &scriptSource{}
	snk := newRecordSink(true)
	p := New(src, snk, Config{})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	appends, finalizes, _ := snk.snapshot()
	if len(appends) != 0 || finalizes != 1 {
		t.Errorf("appends=%d finalizes=%d, want 0/1", len(appends), finalizes)
	}
}
