package hardware

import (
	"errors"
	"math"
	"math/cmplx"
	"net"
	"sync"
	"time"

	"github.com/dougsko/hiqsdr/pkg/iq"
	"github.com/dougsko/hiqsdr/pkg/logging"
	"github.com/dougsko/hiqsdr/pkg/protocol"
)

// MockDevice simulates a HiQSDR on the loopback interface. It answers start
// and stop commands on the rx port, echoes configuration packets on the
// control port and, when an interval is set, streams a test tone.
type MockDevice struct {
	rxConn   *net.UDPConn
	ctrlConn *net.UDPConn

	mutex      sync.Mutex
	rxPeer     *net.UDPAddr
	streaming  bool
	config     []byte
	firmware   int // forced firmware byte in replies, -1 to echo as received
	interval   time.Duration
	toneOffset float64
	sequence   byte
	commands   []string
	configs    int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMockDevice listens on two ephemeral loopback ports
func NewMockDevice() (*MockDevice, error) {
	loopback := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}

	rxConn, err := net.ListenUDP("udp", loopback)
	if err != nil {
		return nil, err
	}
	ctrlConn, err := net.ListenUDP("udp", loopback)
	if err != nil {
		rxConn.Close()
		return nil, err
	}

	m := &MockDevice{
		rxConn:     rxConn,
		ctrlConn:   ctrlConn,
		config:     NewDeviceConfig().Serialize(),
		firmware:   -1,
		toneOffset: 0.1,
		stop:       make(chan struct{}),
	}

	m.wg.Add(3)
	go m.serveRx()
	go m.serveControl()
	go m.streamLoop()

	logging.Infof("mock", "mock HiQSDR listening on rx %s, control %s", rxConn.LocalAddr(), ctrlConn.LocalAddr())
	return m, nil
}

// Options returns DeviceOptions pointing at the mock
func (m *MockDevice) Options() DeviceOptions {
	return DeviceOptions{
		Address:     "127.0.0.1",
		RxPort:      m.RxPort(),
		ControlPort: m.ControlPort(),
		Firmware:    DefaultFirmwareVersion,
	}
}

func (m *MockDevice) RxPort() int {
	return m.rxConn.LocalAddr().(*net.UDPAddr).Port
}

func (m *MockDevice) ControlPort() int {
	return m.ctrlConn.LocalAddr().(*net.UDPAddr).Port
}

// SetInterval starts periodic streaming while switched on. Zero disables it.
func (m *MockDevice) SetInterval(d time.Duration) {
	m.mutex.Lock()
	m.interval = d
	m.mutex.Unlock()
}

// SetFirmwareOverride makes the mock report the given firmware version in
// its replies regardless of what it was sent, like an older unit would.
func (m *MockDevice) SetFirmwareOverride(v int) {
	m.mutex.Lock()
	m.firmware = v
	m.mutex.Unlock()
}

// SetToneOffset sets the test tone as a fraction of the sample rate
func (m *MockDevice) SetToneOffset(f float64) {
	m.mutex.Lock()
	m.toneOffset = f
	m.mutex.Unlock()
}

func (m *MockDevice) Streaming() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.streaming
}

// Commands returns the two byte commands seen so far, in order
func (m *MockDevice) Commands() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string(nil), m.commands...)
}

// ConfigsReceived returns the number of configuration packets accepted
func (m *MockDevice) ConfigsReceived() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.configs
}

// CurrentConfig returns the configuration the mock would report
func (m *MockDevice) CurrentConfig() []byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]byte(nil), m.config...)
}

// Inject sends a datagram of arbitrary size to the last receiver that
// switched streaming on.
func (m *MockDevice) Inject(packet []byte) error {
	m.mutex.Lock()
	peer := m.rxPeer
	m.mutex.Unlock()

	if peer == nil {
		return errors.New("mock: no receiver has switched streaming on")
	}
	_, err := m.rxConn.WriteToUDP(packet, peer)
	return err
}

// SendSamples sends one well formed sample datagram
func (m *MockDevice) SendSamples() error {
	return m.Inject(m.nextPacket())
}

func (m *MockDevice) nextPacket() []byte {
	m.mutex.Lock()
	seq := m.sequence
	m.sequence++
	offset := m.toneOffset
	m.mutex.Unlock()

	samples := make([]complex128, iq.SamplesPerPacket)
	base := float64(seq) * iq.SamplesPerPacket
	for k := range samples {
		samples[k] = cmplx.Rect(0.25, 2*math.Pi*offset*(base+float64(k)))
	}
	return iq.EncodePacket(iq.Header{Sequence: seq}, samples)
}

func (m *MockDevice) record(cmd string) {
	m.mutex.Lock()
	m.commands = append(m.commands, cmd)
	m.mutex.Unlock()
}

func (m *MockDevice) serveRx() {
	defer m.wg.Done()

	buf := make([]byte, 64)
	for {
		n, addr, err := m.rxConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n != protocol.CommandPacketSize {
			continue
		}

		cmd := string(buf[:n])
		m.record(cmd)

		m.mutex.Lock()
		switch cmd {
		case protocol.StartReceiving.String():
			m.rxPeer = addr
			m.streaming = true
		case protocol.StopReceiving.String():
			m.streaming = false
		}
		m.mutex.Unlock()
	}
}

func (m *MockDevice) serveControl() {
	defer m.wg.Done()

	buf := make([]byte, 64)
	for {
		n, addr, err := m.ctrlConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		packet := buf[:n]

		switch {
		case n == protocol.CommandPacketSize && string(packet) == protocol.RequestConfig.String():
			m.record(protocol.RequestConfig.String())
		case n == protocol.ConfigPacketSize && protocol.ValidateMagic(packet) == nil:
			m.accept(packet)
		default:
			continue
		}

		if _, err := m.ctrlConn.WriteToUDP(m.CurrentConfig(), addr); err != nil {
			logging.Debugf("mock", "reply failed: %v", err)
		}
	}
}

func (m *MockDevice) accept(packet []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.configs++
	m.config = append(m.config[:0], packet...)
	if m.firmware < 0 {
		return
	}

	f, err := protocol.DecodeConfig(m.config)
	if err != nil {
		return
	}
	f.FirmwareVersion = byte(m.firmware)
	protocol.EncodeConfigTo(m.config, f)
}

func (m *MockDevice) streamLoop() {
	defer m.wg.Done()

	for {
		m.mutex.Lock()
		interval := m.interval
		active := m.streaming && m.rxPeer != nil
		m.mutex.Unlock()

		wait := interval
		if wait <= 0 {
			wait = 20 * time.Millisecond
		}
		select {
		case <-m.stop:
			return
		case <-time.After(wait):
		}

		if interval > 0 && active {
			if err := m.SendSamples(); err != nil {
				logging.Debugf("mock", "send failed: %v", err)
			}
		}
	}
}

// Close stops the simulator
func (m *MockDevice) Close() error {
	select {
	case <-m.stop:
		return nil
	default:
	}
	close(m.stop)
	err := errors.Join(m.rxConn.Close(), m.ctrlConn.Close())
	m.wg.Wait()
	return err
}
