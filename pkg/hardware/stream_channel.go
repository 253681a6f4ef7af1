package hardware

import (
	"context"
	"sync"
	"sync/atomic"
)

// ChannelSubscriber adapts the subscription protocol to a bounded channel.
// It keeps at most depth datagrams in flight: every buffer taken with Next
// must be handed back with Ack, which releases it and renews one unit of
// demand. Datagrams arriving while all credit is used are dropped.
type ChannelSubscriber struct {
	depth int
	ch    chan *Buffer

	sub atomic.Pointer[Subscription]

	once sync.Once
	done chan struct{}
	err  error
}

func NewChannelSubscriber(depth int) *ChannelSubscriber {
	if depth < 1 {
		depth = 1
	}
	return &ChannelSubscriber{
		depth: depth,
		ch:    make(chan *Buffer, depth),
		done:  make(chan struct{}),
	}
}

func (c *ChannelSubscriber) OnSubscribe(s *Subscription) {
	c.sub.Store(s)
	s.Request(int64(c.depth))
}

func (c *ChannelSubscriber) OnNext(buf *Buffer) {
	select {
	case c.ch <- buf:
	default:
		buf.Release()
	}
}

func (c *ChannelSubscriber) OnError(err error) {
	c.finish(err)
}

func (c *ChannelSubscriber) OnComplete() {
	c.finish(nil)
}

func (c *ChannelSubscriber) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Next returns the next datagram. Buffered datagrams are still returned after
// the stream terminated; after that Next reports the terminal error, or
// ErrStreamClosed for a normal completion.
func (c *ChannelSubscriber) Next(ctx context.Context) (*Buffer, error) {
	select {
	case buf := <-c.ch:
		return buf, nil
	default:
	}

	select {
	case buf := <-c.ch:
		return buf, nil
	case <-c.done:
		select {
		case buf := <-c.ch:
			return buf, nil
		default:
		}
		if c.err != nil {
			return nil, c.err
		}
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack releases buf and asks for one more datagram
func (c *ChannelSubscriber) Ack(buf *Buffer) {
	buf.Release()
	if s := c.sub.Load(); s != nil {
		s.Request(1)
	}
}

// Done is closed once the stream has terminated
func (c *ChannelSubscriber) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, if any
func (c *ChannelSubscriber) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Cancel detaches from the stream and releases anything still queued
func (c *ChannelSubscriber) Cancel() {
	if s := c.sub.Load(); s != nil {
		s.Cancel()
	}
	for {
		select {
		case buf := <-c.ch:
			buf.Release()
		default:
			return
		}
	}
}
