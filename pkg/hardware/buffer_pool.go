package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/hiqsdr/pkg/logging"
	"github.com/dougsko/hiqsdr/pkg/protocol"
)

var ErrPoolEmpty = errors.New("buffer pool empty")

// Buffer is a fixed size datagram buffer owned by a BufferPool. Once
// dispatched, every recipient must call Release exactly once.
type Buffer struct {
	data []byte
	n    int
	refs atomic.Int32
	pool *BufferPool
	id   int
}

// Bytes returns the valid portion of the buffer
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

func (b *Buffer) Len() int {
	return b.n
}

// Header returns the sample datagram header, or nil for short data
func (b *Buffer) Header() []byte {
	if b.n < protocol.RxHeaderSize {
		return nil
	}
	return b.data[:protocol.RxHeaderSize]
}

// Payload returns the bytes following the sample datagram header
func (b *Buffer) Payload() []byte {
	if b.n < protocol.RxHeaderSize {
		return nil
	}
	return b.data[protocol.RxHeaderSize:b.n]
}

// Release drops one reference and hands the buffer back to its pool when the
// last reference is gone.
func (b *Buffer) Release() {
	b.pool.Release(b)
}

func (b *Buffer) space() []byte {
	return b.data[:cap(b.data)]
}

func (b *Buffer) setLen(n int) {
	b.n = n
}

// PoolStats is a snapshot of pool usage
type PoolStats struct {
	Capacity    int    `json:"capacity"`
	Max         int    `json:"max"`
	Available   int    `json:"available"`
	Outstanding int    `json:"outstanding"`
	Acquires    uint64 `json:"acquires"`
	EmptyEvents uint64 `json:"empty_events"`
	Grows       uint64 `json:"grows"`
	Releases    uint64 `json:"releases"`
}

// BufferPool hands out reference counted buffers of one size. The free set is
// a channel sized to the pool maximum, so returning a buffer never blocks.
type BufferPool struct {
	size int
	max  int
	free chan *Buffer

	mu        sync.Mutex
	allocated int

	acquires    atomic.Uint64
	emptyEvents atomic.Uint64
	grows       atomic.Uint64
	releases    atomic.Uint64
}

// NewBufferPool creates a pool of buffers holding size bytes each, with
// initial buffers allocated up front and at most max in total.
func NewBufferPool(size, initial, max int) *BufferPool {
	if max < 1 {
		max = 1
	}
	if initial > max {
		initial = max
	}
	p := &BufferPool{
		size: size,
		max:  max,
		free: make(chan *Buffer, max),
	}
	p.Grow(initial)
	return p
}

// Size returns the byte capacity of each buffer
func (p *BufferPool) Size() int {
	return p.size
}

// Acquire takes a free buffer without blocking
func (p *BufferPool) Acquire() (*Buffer, error) {
	select {
	case b := <-p.free:
		p.acquires.Add(1)
		b.n = 0
		return b, nil
	default:
		p.emptyEvents.Add(1)
		return nil, ErrPoolEmpty
	}
}

// Wait blocks until a buffer is free or ctx is done
func (p *BufferPool) Wait(ctx context.Context) (*Buffer, error) {
	select {
	case b := <-p.free:
		p.acquires.Add(1)
		b.n = 0
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Grow allocates up to n more buffers without exceeding the maximum and
// returns how many were added.
func (p *BufferPool) Grow(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if room := p.max - p.allocated; n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		b := &Buffer{
			data: make([]byte, p.size),
			pool: p,
			id:   p.allocated,
		}
		p.allocated++
		p.free <- b
	}
	if n > 0 {
		p.grows.Add(1)
		logging.Debugf("pool", "grew by %d to %d buffers (max %d)", n, p.allocated, p.max)
	}
	return n
}

// Dispatch records that b has been handed to n recipients. With no
// recipients the buffer goes straight back to the free set.
func (p *BufferPool) Dispatch(b *Buffer, n int) {
	if n <= 0 {
		b.refs.Store(0)
		p.free <- b
		return
	}
	b.refs.Store(int32(n))
}

// Release drops one reference to b. Releasing more often than dispatched is a
// programming error and panics.
func (p *BufferPool) Release(b *Buffer) {
	for {
		refs := b.refs.Load()
		if refs <= 0 {
			panic(fmt.Sprintf("hardware: buffer %d released with no outstanding references", b.id))
		}
		if b.refs.CompareAndSwap(refs, refs-1) {
			if refs == 1 {
				p.releases.Add(1)
				p.free <- b
			}
			return
		}
	}
}

// Available returns the number of free buffers
func (p *BufferPool) Available() int {
	return len(p.free)
}

// Capacity returns the number of buffers allocated so far
func (p *BufferPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

func (p *BufferPool) Max() int {
	return p.max
}

// Outstanding returns the number of buffers not in the free set
func (p *BufferPool) Outstanding() int {
	free := len(p.free)
	return p.Capacity() - free
}

// Stats returns a snapshot of pool usage
func (p *BufferPool) Stats() PoolStats {
	available := len(p.free)
	capacity := p.Capacity()
	return PoolStats{
		Capacity:    capacity,
		Max:         p.max,
		Available:   available,
		Outstanding: capacity - available,
		Acquires:    p.acquires.Load(),
		EmptyEvents: p.emptyEvents.Load(),
		Grows:       p.grows.Load(),
		Releases:    p.releases.Load(),
	}
}

// Report logs pool statistics every interval until ctx is done
func (p *BufferPool) Report(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			if s.Acquires == 0 {
				continue
			}
			logging.Info("pool", "buffer statistics", map[string]interface{}{
				"capacity":     s.Capacity,
				"available":    s.Available,
				"outstanding":  s.Outstanding,
				"acquires":     s.Acquires,
				"empty_events": s.EmptyEvents,
			})
		}
	}
}
