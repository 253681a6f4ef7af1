package hardware

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/hiqsdr/pkg/protocol"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type recordingSubscriber struct {
	mu        sync.Mutex
	request   int64
	release   bool
	sub       *Subscription
	packets   [][]byte
	held      []*Buffer
	errs      []error
	completed int
	onNext    func(*Buffer)
}

func newRecorder(request int64, release bool) *recordingSubscriber {
	return &recordingSubscriber{request: request, release: release}
}

func (r *recordingSubscriber) OnSubscribe(s *Subscription) {
	r.mu.Lock()
	r.sub = s
	r.mu.Unlock()
	if r.request > 0 {
		s.Request(r.request)
	}
}

func (r *recordingSubscriber) OnNext(buf *Buffer) {
	if r.onNext != nil {
		r.onNext(buf)
	}
	r.mu.Lock()
	r.packets = append(r.packets, append([]byte(nil), buf.Bytes()...))
	if !r.release {
		r.held = append(r.held, buf)
	}
	r.mu.Unlock()
	if r.release {
		buf.Release()
	}
}

func (r *recordingSubscriber) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingSubscriber) OnComplete() {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func (r *recordingSubscriber) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.packets...)
}

func (r *recordingSubscriber) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recordingSubscriber) completions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func (r *recordingSubscriber) releaseHeld() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	r.mu.Unlock()
	for _, buf := range held {
		buf.Release()
	}
}

func newMock(t *testing.T) *MockDevice {
	t.Helper()
	mock, err := NewMockDevice()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return mock
}

func newTestStream(t *testing.T, mock *MockDevice, opts StreamOptions) *StreamSource {
	t.Helper()
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(mock.RxPort())))
	require.NoError(t, err)
	s := NewStreamSource(conn, opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func switchOn(t *testing.T, s *StreamSource, mock *MockDevice) {
	t.Helper()
	require.NoError(t, s.SwitchOn())
	require.Eventually(t, mock.Streaming, waitFor, tick)
	assert.Equal(t, StateRunning, s.State())
}

func TestBroadcastToTwoSubscribers(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{PoolSize: 4, MaxPoolSize: 8})

	a := newRecorder(Unbounded, false)
	b := newRecorder(Unbounded, false)
	stream.Subscribe(a)
	stream.Subscribe(b)
	switchOn(t, stream, mock)

	for i := 0; i < 3; i++ {
		require.NoError(t, mock.SendSamples())
	}

	require.Eventually(t, func() bool { return a.count() == 3 && b.count() == 3 }, waitFor, tick)
	pa, pb := a.received(), b.received()
	for i := 0; i < 3; i++ {
		assert.Len(t, pa[i], protocol.RxPacketSize)
		assert.Equal(t, pa[i], pb[i])
		assert.Equal(t, byte(i), pa[i][0], "arrival order preserved")
	}

	a.releaseHeld()
	b.releaseHeld()

	// only the buffer parked in the pending read is still out
	assert.Eventually(t, func() bool { return stream.Pool().Outstanding() == 1 }, waitFor, tick)

	require.NoError(t, stream.Close())
	<-stream.Done()
	assert.Equal(t, stream.Pool().Capacity(), stream.Pool().Available())
	assert.Equal(t, 4, stream.Pool().Capacity())

	stats := stream.Stats()
	assert.Equal(t, uint64(3), stats.Packets)
	assert.Equal(t, "closed", stats.State)
}

func TestSizeMismatchIsFatal(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	a := newRecorder(Unbounded, true)
	b := newRecorder(Unbounded, true)
	stream.Subscribe(a)
	stream.Subscribe(b)
	switchOn(t, stream, mock)

	require.NoError(t, mock.Inject(make([]byte, 100)))

	select {
	case <-stream.Done():
	case <-time.After(waitFor):
		t.Fatal("stream did not terminate")
	}

	for _, r := range []*recordingSubscriber{a, b} {
		errs := r.errors()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], protocol.ErrProtocolViolation)
		var sizeErr *protocol.SizeMismatchError
		require.True(t, errors.As(errs[0], &sizeErr))
		assert.Equal(t, 100, sizeErr.Got)
	}
	assert.Equal(t, StateClosed, stream.State())

	// closing after a failure does not signal again
	assert.NoError(t, stream.Close())
	assert.Len(t, a.errors(), 1)
	assert.ErrorIs(t, stream.SwitchOn(), ErrStreamClosed)

	assert.Eventually(t, func() bool {
		cmds := mock.Commands()
		return len(cmds) >= 2 && cmds[len(cmds)-1] == "ss"
	}, waitFor, tick)
}

func TestOversizeDatagramIsFatal(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	r := newRecorder(Unbounded, true)
	stream.Subscribe(r)
	switchOn(t, stream, mock)

	require.NoError(t, mock.Inject(make([]byte, protocol.RxPacketSize+20)))
	require.Eventually(t, func() bool { return len(r.errors()) == 1 }, waitFor, tick)

	var sizeErr *protocol.SizeMismatchError
	require.True(t, errors.As(r.errors()[0], &sizeErr))
	assert.Equal(t, protocol.RxPacketSize+1, sizeErr.Got)
}

func TestDemandLimitsDelivery(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	r := newRecorder(1, true)
	sn := stream.Subscribe(r)
	switchOn(t, stream, mock)

	require.NoError(t, mock.SendSamples())
	require.NoError(t, mock.SendSamples())
	require.Eventually(t, func() bool { return stream.Stats().Packets == 2 }, waitFor, tick)

	assert.Equal(t, 1, r.count())
	assert.Equal(t, uint64(1), sn.Dropped())
	assert.Equal(t, uint64(1), sn.Delivered())
	assert.Equal(t, int64(0), sn.Demand())

	sn.Request(5)
	require.NoError(t, mock.SendSamples())
	require.Eventually(t, func() bool { return r.count() == 2 }, waitFor, tick)
	assert.Equal(t, int64(4), sn.Demand())
}

func TestDemandSaturates(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	sn := stream.Subscribe(newRecorder(Unbounded-1, true))
	sn.Request(10)
	assert.Equal(t, Unbounded, sn.Demand())
}

func TestInvalidDemandCancels(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	r := newRecorder(0, true)
	sn := stream.Subscribe(r)
	assert.Equal(t, 1, stream.Subscribers())

	sn.Request(0)
	errs := r.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidDemand)
	assert.True(t, sn.IsCancelled())
	assert.Equal(t, 0, stream.Subscribers())

	sn.Request(-3)
	assert.Len(t, r.errors(), 1)
}

func TestSubscribeAfterClose(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})
	require.NoError(t, stream.Close())

	r := newRecorder(1, true)
	sn := stream.Subscribe(r)
	assert.NotNil(t, r.sub, "OnSubscribe comes first")
	errs := r.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrStreamClosed)
	assert.True(t, sn.IsCancelled())
}

func TestCloseSignalsSubscribers(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	r := newRecorder(Unbounded, true)
	stream.Subscribe(r)
	switchOn(t, stream, mock)

	require.NoError(t, stream.Close())
	select {
	case <-stream.Done():
	case <-time.After(waitFor):
		t.Fatal("receive loop did not exit")
	}
	errs := r.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrClosedBeforeComplete)

	assert.NoError(t, stream.Close())
	assert.Len(t, r.errors(), 1)
}

// serialSubscriber records callback order and notes any overlapping calls
type serialSubscriber struct {
	mu      sync.Mutex
	sub     *Subscription
	events  []string
	errs    []error
	active  atomic.Int32
	overlap atomic.Bool

	entered chan struct{}
	gate    chan struct{}
	hook    func(*Subscription)
}

func newSerialSubscriber() *serialSubscriber {
	return &serialSubscriber{entered: make(chan struct{}, 1)}
}

func (s *serialSubscriber) enter(event string) {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *serialSubscriber) leave() {
	s.active.Add(-1)
}

func (s *serialSubscriber) OnSubscribe(sn *Subscription) {
	s.mu.Lock()
	s.sub = sn
	s.mu.Unlock()
	sn.Request(Unbounded)
}

func (s *serialSubscriber) OnNext(buf *Buffer) {
	s.enter("next")
	defer s.leave()
	buf.Release()

	select {
	case s.entered <- struct{}{}:
	default:
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.hook != nil {
		s.mu.Lock()
		sn := s.sub
		s.mu.Unlock()
		s.hook(sn)
	}
}

func (s *serialSubscriber) OnError(err error) {
	s.enter("error")
	defer s.leave()
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *serialSubscriber) OnComplete() {
	s.enter("complete")
	s.leave()
}

func (s *serialSubscriber) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *serialSubscriber) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func TestCloseDuringOnNextSignalsAfterwards(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	r := newSerialSubscriber()
	r.gate = make(chan struct{})
	stream.Subscribe(r)
	switchOn(t, stream, mock)

	require.NoError(t, mock.SendSamples())
	select {
	case <-r.entered:
	case <-time.After(waitFor):
		t.Fatal("OnNext not called")
	}

	closed := make(chan error, 1)
	go func() { closed <- stream.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Close blocked on a running OnNext")
	}
	assert.Equal(t, StateClosed, stream.State())
	assert.Empty(t, r.errors(), "terminal signal must wait for OnNext to return")

	close(r.gate)
	select {
	case <-stream.Done():
	case <-time.After(waitFor):
		t.Fatal("stream did not finish")
	}

	assert.False(t, r.overlap.Load())
	assert.Equal(t, []string{"next", "error"}, r.history())
	require.Len(t, r.errors(), 1)
	assert.ErrorIs(t, r.errors()[0], ErrClosedBeforeComplete)
}

func TestInvalidDemandWhileReceiving(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	keep := newRecorder(Unbounded, true)
	stream.Subscribe(keep)
	r := newSerialSubscriber()
	sn := stream.Subscribe(r)
	switchOn(t, stream, mock)

	require.NoError(t, mock.SendSamples())
	select {
	case <-r.entered:
	case <-time.After(waitFor):
		t.Fatal("OnNext not called")
	}
	require.Eventually(t, func() bool { return keep.count() == 1 }, waitFor, tick)

	// the receive loop is parked in a read; the rejection must still arrive
	sn.Request(-1)
	require.Eventually(t, func() bool { return len(r.errors()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, r.errors()[0], ErrInvalidDemand)
	assert.Equal(t, 1, stream.Subscribers())
	assert.Equal(t, StateRunning, stream.State())

	require.NoError(t, mock.SendSamples())
	require.Eventually(t, func() bool { return keep.count() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"next", "error"}, r.history())
	assert.False(t, r.overlap.Load())

	require.NoError(t, stream.Close())
	<-stream.Done()
	assert.Len(t, r.errors(), 1)
}

func TestInvalidDemandFromOnNext(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	r := newSerialSubscriber()
	r.hook = func(sn *Subscription) { sn.Request(0) }
	stream.Subscribe(r)
	switchOn(t, stream, mock)

	require.NoError(t, mock.SendSamples())
	require.Eventually(t, func() bool { return len(r.errors()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, r.errors()[0], ErrInvalidDemand)
	assert.Equal(t, []string{"next", "error"}, r.history())
	assert.False(t, r.overlap.Load())
}

func TestFinishCompletesSubscribers(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	r := newRecorder(Unbounded, true)
	stream.Subscribe(r)

	require.NoError(t, stream.Finish())
	assert.Equal(t, 1, r.completions())
	assert.Empty(t, r.errors())
	<-stream.Done()
}

func TestCloseWithoutLoop(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	require.NoError(t, stream.Close())
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed for a stream that never started")
	}
}

func TestCancelDuringBroadcast(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{PoolSize: 2})

	victim := newRecorder(Unbounded, true)
	victimSub := stream.Subscribe(victim)

	canceller := newRecorder(Unbounded, true)
	canceller.onNext = func(*Buffer) { victimSub.Cancel() }
	stream.Subscribe(canceller)

	switchOn(t, stream, mock)
	require.NoError(t, mock.SendSamples())
	require.Eventually(t, func() bool { return canceller.count() == 1 }, waitFor, tick)
	assert.LessOrEqual(t, victim.count(), 1)

	require.NoError(t, mock.SendSamples())
	require.Eventually(t, func() bool { return canceller.count() == 2 }, waitFor, tick)
	assert.LessOrEqual(t, victim.count(), 1)
	assert.Empty(t, victim.errors())

	assert.Eventually(t, func() bool { return stream.Pool().Outstanding() == 1 }, waitFor, tick)
}

func TestPoolGrowsWhileSubscribersHoldBuffers(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{PoolSize: 1, MaxPoolSize: 3})

	r := newRecorder(Unbounded, false)
	stream.Subscribe(r)
	switchOn(t, stream, mock)

	for i := 0; i < 2; i++ {
		require.NoError(t, mock.SendSamples())
	}
	require.Eventually(t, func() bool { return r.count() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return stream.Pool().Capacity() == 3 }, waitFor, tick)

	require.NoError(t, mock.SendSamples())
	require.Eventually(t, func() bool { return r.count() == 3 }, waitFor, tick)

	// at the maximum the loop waits for a release instead of reading
	require.NoError(t, mock.SendSamples())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, r.count())
	assert.Equal(t, 3, stream.Pool().Capacity())

	r.releaseHeld()
	require.Eventually(t, func() bool { return r.count() == 4 }, waitFor, tick)
	r.releaseHeld()
}

// exclusiveWriter fails the test if two writes overlap
type exclusiveWriter struct {
	active  atomic.Int32
	overlap atomic.Bool
	mu      sync.Mutex
	writes  []string
}

func (w *exclusiveWriter) Write(p []byte) (int, error) {
	if w.active.Add(1) > 1 {
		w.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	w.mu.Lock()
	w.writes = append(w.writes, string(p))
	w.mu.Unlock()
	w.active.Add(-1)
	return len(p), nil
}

func TestSwitchCommandsAreSerialized(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	w := &exclusiveWriter{}
	stream := NewStreamSource(conn, StreamOptions{Control: w})
	defer stream.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, stream.SwitchOn())
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, stream.SwitchOff())
		}()
	}
	wg.Wait()

	assert.False(t, w.overlap.Load())
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Len(t, w.writes, 40)
	for _, cmd := range w.writes {
		assert.Contains(t, []string{"rr", "ss"}, cmd)
	}
}

func TestChannelSubscriber(t *testing.T) {
	mock := newMock(t)
	stream := newTestStream(t, mock, StreamOptions{})

	c := NewChannelSubscriber(2)
	stream.Subscribe(c)
	switchOn(t, stream, mock)

	require.NoError(t, mock.SendSamples())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	buf, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, buf.Bytes(), protocol.RxPacketSize)
	assert.Len(t, buf.Payload(), protocol.RxPayloadSize)
	c.Ack(buf)

	require.NoError(t, stream.Close())
	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, ErrClosedBeforeComplete)
	assert.ErrorIs(t, c.Err(), ErrClosedBeforeComplete)
}
