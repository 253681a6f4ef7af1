package hardware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dougsko/hiqsdr/pkg/logging"
	"github.com/dougsko/hiqsdr/pkg/protocol"
)

var (
	ErrStreamClosed         = errors.New("stream closed")
	ErrClosedBeforeComplete = errors.New("stream closed before the publisher finished")
	ErrInvalidDemand        = errors.New("demand must be positive")
	ErrTransmitUnsupported  = errors.New("transmit path not supported")

	errFinished = errors.New("stream finished")
)

// StreamState is the lifecycle state of a StreamSource
type StreamState int32

const (
	StateStopped StreamState = iota
	StateRunning
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamOptions tunes a StreamSource
type StreamOptions struct {
	// PoolSize is the number of buffers allocated up front
	PoolSize int
	// MaxPoolSize bounds pool growth when subscribers hold on to buffers
	MaxPoolSize int
	// ReadBuffer sets the socket receive buffer in bytes when non-zero
	ReadBuffer int
	// Control receives start and stop commands. Defaults to the data conn.
	Control io.Writer
}

// StreamStats is a snapshot of stream counters
type StreamStats struct {
	State       string    `json:"state"`
	Packets     uint64    `json:"packets"`
	Bytes       uint64    `json:"bytes"`
	Dropped     uint64    `json:"dropped"`
	EmptyPool   uint64    `json:"empty_pool"`
	Subscribers int       `json:"subscribers"`
	Pool        PoolStats `json:"pool"`
}

// StreamSource publishes received sample datagrams to subscribers. A single
// receive goroutine reads the socket, so datagrams reach every subscriber in
// arrival order. Once that goroutine has started it makes every subscriber
// call, terminal signals included.
type StreamSource struct {
	conn    net.Conn
	control io.Writer
	pool    *BufferPool

	cmdMu sync.Mutex

	mu      sync.RWMutex
	subs    map[uuid.UUID]*Subscription
	looping bool
	pending []*Subscription

	termMu  sync.Mutex
	termSig error

	state   atomic.Int32
	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	packets   atomic.Uint64
	bytes     atomic.Uint64
	dropped   atomic.Uint64
	emptyPool atomic.Uint64

	// recipients is reused by the receive goroutine only
	recipients []*Subscription
}

// NewStreamSource wraps a connected datagram socket
func NewStreamSource(conn net.Conn, opts StreamOptions) *StreamSource {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 8
	}
	if opts.MaxPoolSize < opts.PoolSize {
		opts.MaxPoolSize = opts.PoolSize * 4
	}
	if opts.Control == nil {
		opts.Control = conn
	}
	if opts.ReadBuffer > 0 {
		if udp, ok := conn.(*net.UDPConn); ok {
			if err := udp.SetReadBuffer(opts.ReadBuffer); err != nil {
				logging.Warnf("stream", "failed to set receive buffer to %d bytes: %v", opts.ReadBuffer, err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StreamSource{
		conn:    conn,
		control: opts.Control,
		// one spare byte so oversized datagrams are detected rather than truncated
		pool:   NewBufferPool(protocol.RxPacketSize+1, opts.PoolSize, opts.MaxPoolSize),
		subs:   make(map[uuid.UUID]*Subscription),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *StreamSource) State() StreamState {
	return StreamState(s.state.Load())
}

// Done is closed once the stream is terminal and every subscriber has
// received its terminal signal.
func (s *StreamSource) Done() <-chan struct{} {
	return s.done
}

func (s *StreamSource) Pool() *BufferPool {
	return s.pool
}

// Subscribe attaches sub. OnSubscribe is always called first; if the stream
// has already terminated it is followed by OnError(ErrStreamClosed).
func (s *StreamSource) Subscribe(sub Subscriber) *Subscription {
	sn := newSubscription(s, sub)
	sub.OnSubscribe(sn)

	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		if sn.terminate() {
			sub.OnError(ErrStreamClosed)
		}
		return sn
	}
	if !sn.IsCancelled() {
		s.subs[sn.id] = sn
	}
	s.mu.Unlock()

	logging.Debugf("stream", "subscriber %s attached", sn.ID())
	return sn
}

func (s *StreamSource) unsubscribe(sn *Subscription) {
	s.mu.Lock()
	delete(s.subs, sn.id)
	s.mu.Unlock()
}

// Subscribers returns the number of attached subscribers
func (s *StreamSource) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// SwitchOn asks the device to start streaming and starts the receive
// goroutine if it is not running yet. A send failure terminates the stream.
func (s *StreamSource) SwitchOn() error {
	if s.State() == StateClosed {
		return ErrStreamClosed
	}
	if err := s.sendCommand(protocol.StartReceiving); err != nil {
		err = fmt.Errorf("failed to start receiving: %w", err)
		s.fail(err)
		return err
	}
	s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning))
	s.startLoop()
	logging.Info("stream", "receiving switched on")
	return nil
}

// SwitchOff asks the device to stop streaming. The socket stays open.
func (s *StreamSource) SwitchOff() error {
	if s.State() == StateClosed {
		return ErrStreamClosed
	}
	if err := s.sendCommand(protocol.StopReceiving); err != nil {
		err = fmt.Errorf("failed to stop receiving: %w", err)
		s.fail(err)
		return err
	}
	s.state.CompareAndSwap(int32(StateRunning), int32(StateStopped))
	logging.Info("stream", "receiving switched off")
	return nil
}

func (s *StreamSource) sendCommand(cmd protocol.DeviceCommand) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	n, err := s.control.Write(cmd[:])
	if err != nil {
		return err
	}
	if n != protocol.CommandPacketSize {
		return io.ErrShortWrite
	}
	return nil
}

func (s *StreamSource) startLoop() {
	if s.State() == StateClosed {
		return
	}
	if s.started.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.looping = true
		s.mu.Unlock()
		go s.receiveLoop()
	}
}

func (s *StreamSource) receiveLoop() {
	defer s.exit()

	for {
		s.signalRejected(s.takePending())

		buf, err := s.nextBuffer()
		if err != nil {
			return
		}

		n, err := s.conn.Read(buf.space())
		if err != nil {
			s.pool.Dispatch(buf, 0)
			if s.State() == StateClosed {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// woken to deliver a rejection
				s.conn.SetReadDeadline(time.Time{})
				continue
			}
			s.fail(fmt.Errorf("receive failed: %w", err))
			return
		}
		if n != protocol.RxPacketSize {
			s.pool.Dispatch(buf, 0)
			s.fail(&protocol.SizeMismatchError{Got: n, Expected: protocol.RxPacketSize})
			return
		}

		buf.setLen(n)
		s.packets.Add(1)
		s.bytes.Add(uint64(n))
		s.publish(buf)

		if s.State() == StateClosed {
			return
		}
	}
}

// exit delivers every outstanding signal and closes Done. It runs on the
// receive goroutine, or on the terminating caller when no loop ever started.
func (s *StreamSource) exit() {
	s.mu.Lock()
	s.looping = false
	pending := s.pending
	s.pending = nil
	subs := s.detachLocked()
	s.mu.Unlock()

	s.signalRejected(pending)

	sig := s.terminalSignal()
	for _, sn := range subs {
		if !sn.terminate() {
			continue
		}
		if sig == errFinished {
			sn.subscriber.OnComplete()
		} else {
			sn.subscriber.OnError(sig)
		}
	}
	close(s.done)
}

// reject detaches sn and signals err to it. While the receive goroutine runs
// the signal is queued for it and the pending read is interrupted.
func (s *StreamSource) reject(sn *Subscription, err error) {
	s.mu.Lock()
	delete(s.subs, sn.id)
	if s.looping {
		sn.rejection = err
		s.pending = append(s.pending, sn)
		s.mu.Unlock()
		if derr := s.conn.SetReadDeadline(time.Unix(1, 0)); derr != nil {
			logging.Debugf("stream", "failed to wake receive loop: %v", derr)
		}
		return
	}
	s.mu.Unlock()
	sn.subscriber.OnError(err)
}

func (s *StreamSource) takePending() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *StreamSource) signalRejected(pending []*Subscription) {
	for _, sn := range pending {
		sn.subscriber.OnError(sn.rejection)
	}
}

// nextBuffer grows the pool by one when it runs dry and waits for a release
// once the maximum is reached.
func (s *StreamSource) nextBuffer() (*Buffer, error) {
	buf, err := s.pool.Acquire()
	if err == nil {
		return buf, nil
	}
	s.emptyPool.Add(1)
	if s.pool.Grow(1) == 0 {
		logging.Debugf("stream", "buffer pool exhausted at %d buffers, waiting for release", s.pool.Max())
	}
	return s.pool.Wait(s.ctx)
}

func (s *StreamSource) publish(buf *Buffer) {
	recipients := s.recipients[:0]

	s.mu.RLock()
	for _, sn := range s.subs {
		if sn.IsCancelled() {
			continue
		}
		if sn.take() {
			recipients = append(recipients, sn)
		} else {
			sn.dropped.Add(1)
			s.dropped.Add(1)
		}
	}
	s.mu.RUnlock()

	s.pool.Dispatch(buf, len(recipients))
	for i, sn := range recipients {
		// a subscriber may cancel or close the stream from inside OnNext
		if sn.IsCancelled() || s.State() == StateClosed {
			buf.Release()
		} else {
			sn.delivered.Add(1)
			sn.subscriber.OnNext(buf)
		}
		recipients[i] = nil
	}
	s.recipients = recipients
}

// markTerminal moves the stream to Closed exactly once and records the
// signal subscribers will receive.
func (s *StreamSource) markTerminal(sig error) bool {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	if s.State() == StateClosed {
		return false
	}
	s.termSig = sig
	s.state.Store(int32(StateClosed))
	return true
}

func (s *StreamSource) terminalSignal() error {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	return s.termSig
}

func (s *StreamSource) detachLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(s.subs))
	for id, sn := range s.subs {
		subs = append(subs, sn)
		delete(s.subs, id)
	}
	return subs
}

// terminate stops the device and closes the socket. A running receive
// goroutine signals the subscribers on its way out; otherwise they are
// signalled here.
func (s *StreamSource) terminate(sig error) (bool, error) {
	if !s.markTerminal(sig) {
		return false, nil
	}
	cmdErr := s.sendCommand(protocol.StopReceiving)
	s.cancel()
	err := s.conn.Close()
	if s.started.CompareAndSwap(false, true) {
		s.exit()
	}
	return true, errors.Join(cmdErr, err)
}

func (s *StreamSource) fail(err error) {
	ok, cerr := s.terminate(err)
	if !ok {
		return
	}
	logging.Errorf("stream", "stream terminated: %v", err)
	if cerr != nil {
		logging.Debugf("stream", "cleanup after failure: %v", cerr)
	}
}

// Finish stops the device and completes every subscriber normally
func (s *StreamSource) Finish() error {
	ok, err := s.terminate(errFinished)
	if !ok {
		return nil
	}
	logging.Info("stream", "stream finished")
	return err
}

// Close stops the device and releases the socket. Subscribers still attached
// receive ErrClosedBeforeComplete before Done is closed. Closing a terminated
// stream is a no-op.
func (s *StreamSource) Close() error {
	ok, err := s.terminate(ErrClosedBeforeComplete)
	if !ok {
		return nil
	}
	logging.Info("stream", "stream closed")
	return err
}

// Stats returns a snapshot of the stream counters
func (s *StreamSource) Stats() StreamStats {
	return StreamStats{
		State:       s.State().String(),
		Packets:     s.packets.Load(),
		Bytes:       s.bytes.Load(),
		Dropped:     s.dropped.Load(),
		EmptyPool:   s.emptyPool.Load(),
		Subscribers: s.Subscribers(),
		Pool:        s.pool.Stats(),
	}
}
