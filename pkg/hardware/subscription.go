package hardware

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
)

// Unbounded is the demand value meaning "deliver everything".
const Unbounded int64 = math.MaxInt64

// Subscriber receives sample datagrams from a StreamSource. OnNext hands over
// one reference to the buffer, which the subscriber must Release once done.
// After OnError or OnComplete no further calls are made.
type Subscriber interface {
	OnSubscribe(s *Subscription)
	OnNext(buf *Buffer)
	OnError(err error)
	OnComplete()
}

// Subscription links one Subscriber to a StreamSource and carries its demand.
type Subscription struct {
	id         uuid.UUID
	source     *StreamSource
	subscriber Subscriber

	demand    atomic.Int64
	cancelled atomic.Bool
	delivered atomic.Uint64
	dropped   atomic.Uint64

	// set by the source before queueing the subscription for rejection
	rejection error
}

func newSubscription(source *StreamSource, sub Subscriber) *Subscription {
	return &Subscription{
		id:         uuid.New(),
		source:     source,
		subscriber: sub,
	}
}

func (s *Subscription) ID() string {
	return s.id.String()
}

// Request adds n to the outstanding demand. A non-positive n cancels the
// subscription and signals ErrInvalidDemand to the subscriber, from the
// receive goroutine when it is running.
func (s *Subscription) Request(n int64) {
	if s.cancelled.Load() {
		return
	}
	if n <= 0 {
		if s.cancelled.CompareAndSwap(false, true) {
			s.source.reject(s, fmt.Errorf("%w: requested %d", ErrInvalidDemand, n))
		}
		return
	}

	for {
		cur := s.demand.Load()
		if cur == Unbounded {
			break
		}
		next := cur + n
		if n == Unbounded || next < cur {
			next = Unbounded
		}
		if s.demand.CompareAndSwap(cur, next) {
			break
		}
	}
	s.source.startLoop()
}

// Cancel detaches the subscriber. Datagrams already handed over must still
// be released.
func (s *Subscription) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.source.unsubscribe(s)
	}
}

func (s *Subscription) IsCancelled() bool {
	return s.cancelled.Load()
}

// Demand returns the outstanding credit
func (s *Subscription) Demand() int64 {
	return s.demand.Load()
}

// Delivered returns how many datagrams were handed to the subscriber
func (s *Subscription) Delivered() uint64 {
	return s.delivered.Load()
}

// Dropped returns how many datagrams arrived while the subscriber had no credit
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// take consumes one unit of demand
func (s *Subscription) take() bool {
	for {
		cur := s.demand.Load()
		if cur == Unbounded {
			return true
		}
		if cur <= 0 {
			return false
		}
		if s.demand.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// terminate marks the subscription done without touching the source
func (s *Subscription) terminate() bool {
	return s.cancelled.CompareAndSwap(false, true)
}
