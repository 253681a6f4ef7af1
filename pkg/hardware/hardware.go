package hardware

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/dougsko/hiqsdr/pkg/logging"
)

var ErrDeviceNotOpen = errors.New("device not open")

const (
	DefaultRxPort      = 48247
	DefaultControlPort = 48248
)

// DeviceOptions describes how to reach a HiQSDR
type DeviceOptions struct {
	Address     string
	RxPort      int
	ControlPort int
	Firmware    int
	Stream      StreamOptions
}

// TxProcessor accepts outgoing sample buffers. No implementation ships yet;
// Device.TX reports ErrTransmitUnsupported.
type TxProcessor interface {
	Send(buf *Buffer) error
	Close() error
}

// Device ties together the receive stream, the configuration channel and the
// shared configuration of one HiQSDR.
type Device struct {
	opts  DeviceOptions
	mutex sync.RWMutex

	config  *DeviceConfig
	rx      *StreamSource
	control *ConfigChannel
	opened  bool
}

// NewDevice creates a device handle. Nothing touches the network until Open.
func NewDevice(opts DeviceOptions) (*Device, error) {
	if opts.RxPort == 0 {
		opts.RxPort = DefaultRxPort
	}
	if opts.ControlPort == 0 {
		opts.ControlPort = DefaultControlPort
	}
	cfg, err := NewDeviceConfigWithFirmware(opts.Firmware)
	if err != nil {
		return nil, err
	}
	return &Device{opts: opts, config: cfg}, nil
}

func (d *Device) Address() string {
	return d.opts.Address
}

// Open connects both sockets and starts the configuration reply goroutine
func (d *Device) Open() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.opened {
		return nil
	}

	logging.Infof("device", "opening HiQSDR at %s (rx %d, control %d)",
		d.opts.Address, d.opts.RxPort, d.opts.ControlPort)

	rxConn, err := net.Dial("udp", net.JoinHostPort(d.opts.Address, strconv.Itoa(d.opts.RxPort)))
	if err != nil {
		return fmt.Errorf("failed to open rx socket: %w", err)
	}
	ctrlConn, err := net.Dial("udp", net.JoinHostPort(d.opts.Address, strconv.Itoa(d.opts.ControlPort)))
	if err != nil {
		rxConn.Close()
		return fmt.Errorf("failed to open control socket: %w", err)
	}

	d.rx = NewStreamSource(rxConn, d.opts.Stream)
	d.control = NewConfigChannel(ctrlConn, d.config)
	d.control.Start()
	d.opened = true
	return nil
}

// Config returns the shared configuration
func (d *Device) Config() *DeviceConfig {
	return d.config
}

// RX returns the receive stream
func (d *Device) RX() (*StreamSource, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if !d.opened {
		return nil, ErrDeviceNotOpen
	}
	return d.rx, nil
}

// Control returns the configuration channel
func (d *Device) Control() (*ConfigChannel, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if !d.opened {
		return nil, ErrDeviceNotOpen
	}
	return d.control, nil
}

// TX is not supported by this driver
func (d *Device) TX() (TxProcessor, error) {
	return nil, ErrTransmitUnsupported
}

func (d *Device) IsOpen() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.opened
}

// Close stops streaming and closes both sockets
func (d *Device) Close() error {
	d.mutex.Lock()
	if !d.opened {
		d.mutex.Unlock()
		return nil
	}
	logging.Info("device", "closing HiQSDR")

	var errs []error
	if err := d.rx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rx: %w", err))
	}
	if err := d.control.Close(); err != nil {
		errs = append(errs, fmt.Errorf("control: %w", err))
	}
	d.opened = false
	rx := d.rx
	d.mutex.Unlock()

	// subscribers are signalled by the receive goroutine
	<-rx.Done()
	return errors.Join(errs...)
}
