// Package assembler coordinates one chunk source and one append sink: chunks
// are appended strictly in arrival order, one at a time, and the sink is
// finalized exactly once after the source is exhausted and the queue drains.
//
// The pending queue, writer-busy flag, and source state are owned by a single
// event-loop goroutine; the read loop hands over chunks on a channel and
// never touches shared state, so no locks guard the queue.
package assembler

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/audiocast/audio-gateway/internal/metrics"
	"github.com/audiocast/audio-gateway/internal/sink"
)

// Source is the sequential chunk stream the assembler drains. io.EOF from
// ReadNext is the end-of-stream signal; any other error is terminal.
type Source interface {
	ReadNext() ([]byte, error)
	Close() error
}

// State is the assembler lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateFailed
	StateFinalized
)

var stateNames = [...]string{"idle", "running", "failed", "finalized"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ErrAlreadyRan: Run was called twice on one assembler.
var ErrAlreadyRan = errors.New("assembler: already ran")

const (
	DefaultHighWatermark = 4 << 20
	DefaultLowWatermark  = 1 << 20
)

// Config tunes one assembly. Zero value gets the default watermarks.
type Config struct {
	// HighWatermark pauses the read loop when queued bytes exceed it;
	// LowWatermark resumes reads once queued bytes drop back below it.
	// The queue is otherwise unbounded, so the watermarks are what keep a
	// fast upstream from ballooning memory against a slow sink.
	HighWatermark int
	LowWatermark  int
	// Name tags log lines (typically the asset ID).
	Name string
}

// New returns an idle pipeline. Run starts it. One pipeline owns exactly one
// source and one sink for the life of a request; it is not reusable.
func New(src Source, snk sink.Sink, cfg Config) *Pipeline {
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = DefaultHighWatermark
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark >= cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark / 4
	}
	return &Pipeline{
		src:      src,
		snk:      snk,
		cfg:      cfg,
		state:    StateIdle,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		chunks:   make(chan []byte),
		readDone: make(chan error, 1),
	}
}

// Pipeline is the assembler state machine: Idle → Running → {Failed | Finalized}.
type Pipeline struct {
	src Source
	snk sink.Sink
	cfg Config

	mu    sync.Mutex
	state State
	err   error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	chunks   chan []byte
	readDone chan error

	started bool
}

// Ready is closed once the first append has completed (playback can start),
// or when the assembly reaches a terminal state first.
func (p *Pipeline) Ready() <-chan struct{} { return p.ready }

// Done is closed when the assembly reaches Failed or Finalized.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the terminal error after Done; nil when finalized cleanly.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run executes the assembly until the sink is finalized or a terminal error
// occurs. It returns nil on Finalized; the error otherwise. Cancellation of
// ctx is treated exactly like a source error: stop, release, never finalize.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyRan
	}
	p.started = true
	p.state = StateRunning
	p.mu.Unlock()

	metrics.ActiveAssemblies.Inc()
	start := time.Now()
	err := p.run(ctx)

	p.mu.Lock()
	if err != nil {
		p.state = StateFailed
		p.err = err
	} else {
		p.state = StateFinalized
	}
	p.mu.Unlock()

	metrics.ActiveAssemblies.Dec()
	if err != nil {
		metrics.Failed.Inc()
		p.snk.Abort(err)
		log.Printf("assembler: name=%q failed after %s: %v", p.cfg.Name, time.Since(start).Round(time.Millisecond), err)
	} else {
		metrics.Finalized.Inc()
		log.Printf("assembler: name=%q finalized after %s", p.cfg.Name, time.Since(start).Round(time.Millisecond))
	}
	p.readyOnce.Do(func() { close(p.ready) })
	close(p.done)
	return err
}

func (p *Pipeline) run(ctx context.Context) error {
	readCtx, stopReads := context.WithCancel(ctx)
	defer stopReads()
	defer p.src.Close()

	go p.readLoop(readCtx)

	var (
		queue        [][]byte
		pendingBytes int
		writerBusy   bool
		exhausted    bool
		termErr      error
		paused       bool
	)
	reading := true
	ctxDone := ctx.Done()

	for {
		// Terminal checks come first so every event re-evaluates them.
		if termErr != nil && !writerBusy {
			return termErr
		}
		if termErr == nil && exhausted && !writerBusy && len(queue) == 0 {
			// Source exhausted, queue empty, writer idle: finalize exactly once.
			if err := p.snk.Finalize(); err != nil {
				return err
			}
			return nil
		}

		// Drain step: writer idle and work queued → start exactly one append.
		if termErr == nil && !writerBusy && len(queue) > 0 {
			head := queue[0]
			queue[0] = nil
			queue = queue[1:]
			pendingBytes -= len(head)
			metrics.PendingBytes.Sub(float64(len(head)))
			if err := p.snk.Append(head); err != nil {
				termErr = err
				continue
			}
			writerBusy = true
			metrics.ChunksAppended.Inc()
			continue
		}

		// Watermark hysteresis: stop accepting chunks above high, resume below low.
		if !paused && pendingBytes >= p.cfg.HighWatermark {
			paused = true
			log.Printf("assembler: name=%q paused reads pending_bytes=%d", p.cfg.Name, pendingBytes)
		} else if paused && pendingBytes <= p.cfg.LowWatermark {
			paused = false
			log.Printf("assembler: name=%q resumed reads pending_bytes=%d", p.cfg.Name, pendingBytes)
		}
		chunkCh := p.chunks
		if paused || !reading || termErr != nil {
			chunkCh = nil
		}

		select {
		case chunk := <-chunkCh:
			queue = append(queue, chunk)
			pendingBytes += len(chunk)
			metrics.ChunksRead.Inc()
			metrics.BytesRead.Add(float64(len(chunk)))
			metrics.PendingBytes.Add(float64(len(chunk)))

		case err := <-p.readDone:
			reading = false
			if err == io.EOF {
				exhausted = true
			} else {
				termErr = err
			}

		case res := <-p.snk.Idle():
			writerBusy = false
			if res.Err != nil {
				if termErr == nil {
					termErr = res.Err
				}
			} else {
				p.readyOnce.Do(func() { close(p.ready) })
			}

		case <-ctxDone:
			ctxDone = nil
			stopReads()
			if termErr == nil {
				termErr = ctx.Err()
			}
		}
	}
}

// readLoop calls ReadNext strictly sequentially and hands chunks to the event
// loop. It never touches the queue or writer state directly.
func (p *Pipeline) readLoop(ctx context.Context) {
	for {
		chunk, err := p.src.ReadNext()
		if err != nil {
			p.readDone <- err // buffered; the event loop may already be failing
			return
		}
		select {
		case p.chunks <- chunk:
		case <-ctx.Done():
			return
		}
	}
}
