package hardware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/hiqsdr/pkg/logging"
	"github.com/dougsko/hiqsdr/pkg/protocol"
)

const syncGrace = 100 * time.Millisecond

// ControlStats counts traffic on the configuration channel
type ControlStats struct {
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
	Requests  uint64 `json:"requests"`
}

// ConfigChannel exchanges configuration packets with the device. Replies are
// folded into the DeviceConfig and announced to observers.
type ConfigChannel struct {
	conn   net.Conn
	config *DeviceConfig

	writeMu sync.Mutex

	obsMu     sync.Mutex
	observers map[int]func(Settings)
	nextObs   int

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}

	sent      atomic.Uint64
	received  atomic.Uint64
	malformed atomic.Uint64
	requests  atomic.Uint64
}

// NewConfigChannel wraps a connected datagram socket. Call Start to begin
// processing replies.
func NewConfigChannel(conn net.Conn, cfg *DeviceConfig) *ConfigChannel {
	return &ConfigChannel{
		conn:      conn,
		config:    cfg,
		observers: make(map[int]func(Settings)),
		done:      make(chan struct{}),
	}
}

func (c *ConfigChannel) Config() *DeviceConfig {
	return c.config
}

// Send writes the current configuration to the device
func (c *ConfigChannel) Send() error {
	if c.closed.Load() {
		return ErrStreamClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.config.WriteTo(c.conn); err != nil {
		return fmt.Errorf("failed to send config: %w", err)
	}
	c.sent.Add(1)
	logging.Debugf("control", "sent %s", c.config)
	return nil
}

// RequestConfig asks the device to report its configuration
func (c *ConfigChannel) RequestConfig() error {
	if c.closed.Load() {
		return ErrStreamClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.conn.Write(protocol.RequestConfig.Bytes())
	if err == nil && n != protocol.CommandPacketSize {
		err = io.ErrShortWrite
	}
	if err != nil {
		return fmt.Errorf("failed to request config: %w", err)
	}
	c.requests.Add(1)
	return nil
}

// Observe registers fn to be called with a snapshot after every accepted
// reply. Observers run on the receive goroutine and should not block.
func (c *ConfigChannel) Observe(fn func(Settings)) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *ConfigChannel) notify(s Settings) {
	c.obsMu.Lock()
	fns := make([]func(Settings), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Start launches the reply goroutine once
func (c *ConfigChannel) Start() {
	if c.started.CompareAndSwap(false, true) {
		go c.readLoop()
	}
}

func (c *ConfigChannel) readLoop() {
	defer close(c.done)

	buf := make([]byte, 2*protocol.ConfigPacketSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP unreachable surfaces here while the device is offline
			logging.Warnf("control", "read failed: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		c.handle(buf[:n])
	}
}

func (c *ConfigChannel) handle(packet []byte) {
	if len(packet) != protocol.ConfigPacketSize {
		c.malformed.Add(1)
		logging.Warnf("control", "ignoring %d byte reply, %d expected", len(packet), protocol.ConfigPacketSize)
		return
	}
	if err := c.config.FillFrom(packet); err != nil {
		c.malformed.Add(1)
		logging.Warnf("control", "ignoring reply: %v", err)
		return
	}
	c.received.Add(1)

	settings := c.config.Settings()
	if !settings.Consistent {
		logging.Debugf("control", "device reported %s", c.config)
	}
	c.notify(settings)
}

// Sync sends the configuration and waits for the device to answer. Consistent in
// the returned snapshot tells whether the device echoed exactly what was sent.
func (c *ConfigChannel) Sync(ctx context.Context) (Settings, error) {
	replies := make(chan Settings, 1)
	cancel := c.Observe(func(s Settings) {
		select {
		case replies <- s:
		default:
			select {
			case <-replies:
			default:
			}
			replies <- s
		}
	})
	defer cancel()

	c.Start()
	if err := c.Send(); err != nil {
		return Settings{}, err
	}

	// an echo of an earlier packet may still be in flight, so a mismatching
	// reply gets a short grace period for the matching one to follow
	var last *Settings
	var grace <-chan time.Time
	for {
		select {
		case s := <-replies:
			if s.Consistent {
				return s, nil
			}
			if last == nil {
				grace = time.After(syncGrace)
			}
			last = &s
		case <-grace:
			return *last, nil
		case <-c.done:
			return Settings{}, ErrStreamClosed
		case <-ctx.Done():
			if last != nil {
				return *last, nil
			}
			return c.config.Settings(), ctx.Err()
		}
	}
}

// Stats returns channel counters
func (c *ConfigChannel) Stats() ControlStats {
	return ControlStats{
		Sent:      c.sent.Load(),
		Received:  c.received.Load(),
		Malformed: c.malformed.Load(),
		Requests:  c.requests.Load(),
	}
}

// Close stops the reply goroutine and closes the socket
func (c *ConfigChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()
	if c.started.CompareAndSwap(false, true) {
		close(c.done)
	}
	return err
}
