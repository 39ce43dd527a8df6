package sink

import (
	"context"
	"io"
	"sort"
	"sync"
)

// Buffer is the in-memory Sink implementation: an append-only segment list
// that playback readers consume while it is still growing. Appends come from
// exactly one assembler; readers are independent HTTP sessions.
type Buffer struct {
	mu        sync.Mutex
	segments  [][]byte
	starts    []int64 // cumulative start offset of each segment
	size      int64
	busy      bool
	finalized bool
	err       error         // first terminal error (sink or abort)
	grown     chan struct{} // closed and replaced on every state change
	idle      chan AppendResult
	probe     func(first []byte) error
	probed    bool
}

// NewBuffer returns an empty buffer. probe, when non-nil, validates the first
// appended chunk (container signature check); a probe failure is a *SinkError.
func NewBuffer(probe func(first []byte) error) *Buffer {
	return &Buffer{
		grown: make(chan struct{}),
		idle:  make(chan AppendResult, 1),
		probe: probe,
	}
}

func (b *Buffer) Append(chunk []byte) error {
	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		return err
	}
	if b.finalized {
		b.mu.Unlock()
		return ErrFinalized
	}
	if b.busy || len(b.idle) > 0 {
		b.mu.Unlock()
		return ErrAppendBusy
	}
	b.busy = true

	res := AppendResult{N: len(chunk)}
	if !b.probed {
		b.probed = true
		if b.probe != nil {
			if perr := b.probe(chunk); perr != nil {
				res.Err = &SinkError{Reason: "unsupported or malformed stream", Err: perr}
				b.err = res.Err
			}
		}
	}
	if res.Err == nil {
		// Ownership of chunk passes to the buffer here; the assembler never
		// touches a chunk after a successful Append call.
		b.starts = append(b.starts, b.size)
		b.segments = append(b.segments, chunk)
		b.size += int64(len(chunk))
	}
	b.busy = false
	b.notifyLocked()
	b.mu.Unlock()

	b.idle <- res // cap 1; the busy guard above keeps this non-blocking
	return nil
}

func (b *Buffer) Idle() <-chan AppendResult { return b.idle }

func (b *Buffer) Finalize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return ErrFinalized
	}
	if b.busy || len(b.idle) > 0 {
		return ErrNotIdle
	}
	b.finalized = true
	b.notifyLocked()
	return nil
}

func (b *Buffer) Abort(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	if b.err == nil && !b.finalized {
		b.err = err
		b.notifyLocked()
	}
	b.mu.Unlock()
}

// notifyLocked wakes all waiting readers. Callers hold b.mu.
func (b *Buffer) notifyLocked() {
	close(b.grown)
	b.grown = make(chan struct{})
}

// Len returns the number of buffered bytes so far.
func (b *Buffer) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Complete reports whether the buffer was finalized.
func (b *Buffer) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}

// Err returns the terminal error, if any.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// readAt copies available bytes at off into p without blocking.
// wait is the channel to block on when n == 0 and the buffer is still live.
func (b *Buffer) readAt(p []byte, off int64) (n int, terminal error, wait <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < b.size {
		// Find the segment containing off.
		i := sort.Search(len(b.starts), func(i int) bool { return b.starts[i] > off }) - 1
		for n < len(p) && i < len(b.segments) {
			seg := b.segments[i]
			segOff := off + int64(n) - b.starts[i]
			if segOff >= int64(len(seg)) {
				i++
				continue
			}
			n += copy(p[n:], seg[segOff:])
		}
		return n, nil, nil
	}
	if b.err != nil {
		return 0, b.err, nil
	}
	if b.finalized {
		return 0, io.EOF, nil
	}
	return 0, nil, b.grown
}

// Reader is a sequential reader over the buffer that blocks for more data
// while assembly is still in progress. Each playback session gets its own.
type Reader struct {
	ctx context.Context
	b   *Buffer
	off int64
}

// NewReader returns a Reader starting at offset off. ctx bounds every blocking
// read (typically the playback request's context).
func (b *Buffer) NewReader(ctx context.Context, off int64) *Reader {
	if off < 0 {
		off = 0
	}
	return &Reader{ctx: ctx, b: b, off: off}
}

func (r *Reader) Read(p []byte) (int, error) {
	for {
		n, terminal, wait := r.b.readAt(p, r.off)
		if n > 0 {
			r.off += int64(n)
			return n, nil
		}
		if terminal != nil {
			return 0, terminal
		}
		select {
		case <-wait:
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
}
