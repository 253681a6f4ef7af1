package hardware

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dougsko/hiqsdr/pkg/protocol"
)

// DefaultFirmwareVersion is the newest firmware the protocol knows about.
const DefaultFirmwareVersion = 2

// Settings is an immutable snapshot of a DeviceConfig
type Settings struct {
	RxFrequency     int64  `json:"rx_frequency"`
	TxFrequency     int64  `json:"tx_frequency"`
	RxTunePhase     uint32 `json:"rx_tune_phase"`
	TxTunePhase     uint32 `json:"tx_tune_phase"`
	TieTxToRx       bool   `json:"tie_tx_to_rx"`
	SampleRate      int    `json:"sample_rate"`
	RxControl       byte   `json:"rx_control"`
	TxPowerLevel    int    `json:"tx_power_level"`
	TxMode          string `json:"tx_mode"`
	FirmwareVersion int    `json:"firmware_version"`
	Preselector     int    `json:"preselector"`
	Attenuator      int    `json:"attenuator"`
	Antenna         int    `json:"antenna"`
	Consistent      bool   `json:"consistent"`
}

// Changes describes a partial update applied atomically by DeviceConfig.Apply.
// Nil fields are left untouched.
type Changes struct {
	RxFrequency     *int64  `json:"rx_frequency,omitempty"`
	TxFrequency     *int64  `json:"tx_frequency,omitempty"`
	TieTxToRx       *bool   `json:"tie_tx_to_rx,omitempty"`
	SampleRate      *int    `json:"sample_rate,omitempty"`
	TxPowerLevel    *int    `json:"tx_power_level,omitempty"`
	TxMode          *string `json:"tx_mode,omitempty"`
	FirmwareVersion *int    `json:"firmware_version,omitempty"`
	Preselector     *int    `json:"preselector,omitempty"`
	Attenuator      *int    `json:"attenuator,omitempty"`
	Antenna         *int    `json:"antenna,omitempty"`
}

// configState holds the fields that travel on the wire. Its setters validate
// before mutating, so a failed call leaves the state untouched.
type configState struct {
	rxTunePhase     uint32
	txTunePhase     uint32
	rxFrequency     int64
	txFrequency     int64
	tieTxToRx       bool
	txPowerLevel    byte
	txControl       protocol.TxMode
	rxControl       byte
	sampleRate      int
	firmwareVersion byte
	preselector     byte
	attenuator      byte
	antenna         byte
}

func checkByte(name string, v int) (byte, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("%w: %s must be in range 0-255, got %d", protocol.ErrOutOfRange, name, v)
	}
	return byte(v), nil
}

func (st *configState) setTxPowerLevel(v int) error {
	b, err := checkByte("tx power level", v)
	if err != nil {
		return err
	}
	st.txPowerLevel = b
	return nil
}

func (st *configState) setFirmwareVersion(v int) error {
	if v < 0 || v > 2 {
		return fmt.Errorf("%w: supported versions are 0, 1, 2, got %d", protocol.ErrUnsupportedVersion, v)
	}
	st.firmwareVersion = byte(v)
	if st.firmwareVersion < 1 {
		st.preselector, st.attenuator, st.antenna = 0, 0, 0
	}
	return nil
}

func (st *configState) setGated(name string, dst *byte, v int) error {
	if st.firmwareVersion == 0 {
		return fmt.Errorf("%w: %s selection needs firmware 1 or newer", protocol.ErrUnsupportedFeature, name)
	}
	b, err := checkByte(name, v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func (st *configState) setTxMode(mode protocol.TxMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownMode, mode)
	}
	if st.firmwareVersion < mode.MinFirmware() {
		return fmt.Errorf("%w: tx mode %s needs firmware %d", protocol.ErrUnsupportedFeature, mode, mode.MinFirmware())
	}
	st.txControl = mode
	return nil
}

func (st *configState) setRxFrequency(hz int64) {
	st.rxFrequency = hz
	st.rxTunePhase = protocol.FrequencyToPhase(hz)
}

func (st *configState) setTxFrequency(hz int64) {
	st.txFrequency = hz
	st.txTunePhase = protocol.FrequencyToPhase(hz)
}

// setSampleRate reports whether anything changed.
func (st *configState) setSampleRate(rate int) (bool, error) {
	if st.sampleRate == rate {
		return false, nil
	}
	if rate <= 0 {
		return false, fmt.Errorf("%w: sample rate must be positive, got %d", protocol.ErrInvalidArgument, rate)
	}
	code, err := protocol.SampleRateToCode(rate)
	if err != nil {
		return false, err
	}
	st.sampleRate = rate
	st.rxControl = code
	return true, nil
}

func (st *configState) fields() protocol.Fields {
	f := protocol.Fields{
		RxTunePhase:     st.rxTunePhase,
		TxTunePhase:     st.txTunePhase,
		TxPowerLevel:    st.txPowerLevel,
		TxControl:       byte(st.txControl),
		RxControl:       st.rxControl,
		FirmwareVersion: st.firmwareVersion,
		Preselector:     st.preselector,
		Attenuator:      st.attenuator,
		Antenna:         st.antenna,
	}
	if st.tieTxToRx {
		f.TxTunePhase = st.rxTunePhase
	}
	return f
}

func (st *configState) effectiveTxFrequency() int64 {
	if st.tieTxToRx {
		return st.rxFrequency
	}
	return st.txFrequency
}

// DeviceConfig is the desired and observed HiQSDR configuration. All methods
// are safe for concurrent use; a single mutex covers reads, mutation and
// serialization.
type DeviceConfig struct {
	mu           sync.Mutex
	st           configState
	dirty        bool
	lastEncoded  []byte
	lastReceived []byte
}

// NewDeviceConfig creates a config for the latest firmware with tx tied to rx
// and the lowest sample rate selected.
func NewDeviceConfig() *DeviceConfig {
	c, _ := NewDeviceConfigWithFirmware(DefaultFirmwareVersion)
	return c
}

// NewDeviceConfigWithFirmware creates a config for the given firmware version.
func NewDeviceConfigWithFirmware(fw int) (*DeviceConfig, error) {
	c := &DeviceConfig{dirty: true}
	c.st.tieTxToRx = true
	if err := c.st.setFirmwareVersion(fw); err != nil {
		return nil, err
	}
	if _, err := c.st.setSampleRate(protocol.MinSampleRate); err != nil {
		return nil, err
	}
	return c, nil
}

// NewDeviceConfigFromPacket creates a config mirroring a received packet.
func NewDeviceConfigFromPacket(packet []byte) (*DeviceConfig, error) {
	c := &DeviceConfig{}
	if err := c.FillFrom(packet); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *DeviceConfig) mutate(fn func(st *configState) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := fn(&c.st); err != nil {
		return err
	}
	c.dirty = true
	return nil
}

// SetTxPowerLevel sets the tx drive level, 0..255.
func (c *DeviceConfig) SetTxPowerLevel(level int) error {
	return c.mutate(func(st *configState) error { return st.setTxPowerLevel(level) })
}

// SetFirmwareVersion selects the firmware capability set, 0..2.
func (c *DeviceConfig) SetFirmwareVersion(v int) error {
	return c.mutate(func(st *configState) error { return st.setFirmwareVersion(v) })
}

// SetAntenna selects the antenna port. Needs firmware 1 or newer.
func (c *DeviceConfig) SetAntenna(v int) error {
	return c.mutate(func(st *configState) error { return st.setGated("antenna", &st.antenna, v) })
}

// SetPreselector selects the preselector filter. Needs firmware 1 or newer.
func (c *DeviceConfig) SetPreselector(v int) error {
	return c.mutate(func(st *configState) error { return st.setGated("preselector", &st.preselector, v) })
}

// SetAttenuator sets the attenuator. Needs firmware 1 or newer.
func (c *DeviceConfig) SetAttenuator(v int) error {
	return c.mutate(func(st *configState) error { return st.setGated("attenuator", &st.attenuator, v) })
}

// SetTxMode sets the tx control byte.
func (c *DeviceConfig) SetTxMode(mode protocol.TxMode) error {
	return c.mutate(func(st *configState) error { return st.setTxMode(mode) })
}

// SetRxFrequency tunes the receiver. The device operating range is not
// enforced here.
func (c *DeviceConfig) SetRxFrequency(hz int64) {
	_ = c.mutate(func(st *configState) error {
		st.setRxFrequency(hz)
		return nil
	})
}

// SetTxFrequency tunes the transmitter. Ignored on the wire while tied.
func (c *DeviceConfig) SetTxFrequency(hz int64) {
	_ = c.mutate(func(st *configState) error {
		st.setTxFrequency(hz)
		return nil
	})
}

// SetTiedTxToRxFrequency makes the tx phase on the wire mirror the rx phase.
func (c *DeviceConfig) SetTiedTxToRxFrequency(tie bool) {
	_ = c.mutate(func(st *configState) error {
		st.tieTxToRx = tie
		return nil
	})
}

// SetSampleRate selects one of the supported rates. Setting the current rate
// is a no-op.
func (c *DeviceConfig) SetSampleRate(rate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed, err := c.st.setSampleRate(rate)
	if err != nil {
		return err
	}
	if changed {
		c.dirty = true
	}
	return nil
}

// Apply validates and applies all changes, or none of them. The firmware
// version is applied first so gated fields are checked against it.
func (c *DeviceConfig) Apply(ch Changes) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.st
	if ch.FirmwareVersion != nil {
		if err := st.setFirmwareVersion(*ch.FirmwareVersion); err != nil {
			return err
		}
	}
	if ch.RxFrequency != nil {
		st.setRxFrequency(*ch.RxFrequency)
	}
	if ch.TxFrequency != nil {
		st.setTxFrequency(*ch.TxFrequency)
	}
	if ch.TieTxToRx != nil {
		st.tieTxToRx = *ch.TieTxToRx
	}
	if ch.SampleRate != nil {
		if _, err := st.setSampleRate(*ch.SampleRate); err != nil {
			return err
		}
	}
	if ch.TxPowerLevel != nil {
		if err := st.setTxPowerLevel(*ch.TxPowerLevel); err != nil {
			return err
		}
	}
	if ch.TxMode != nil {
		mode, err := protocol.ParseTxMode(*ch.TxMode)
		if err != nil {
			return err
		}
		if err := st.setTxMode(mode); err != nil {
			return err
		}
	}
	gated := []struct {
		name string
		v    *int
		dst  *byte
	}{
		{"preselector", ch.Preselector, &st.preselector},
		{"attenuator", ch.Attenuator, &st.attenuator},
		{"antenna", ch.Antenna, &st.antenna},
	}
	for _, g := range gated {
		if g.v == nil {
			continue
		}
		if err := st.setGated(g.name, g.dst, *g.v); err != nil {
			return err
		}
	}

	if st != c.st {
		c.st = st
		c.dirty = true
	}
	return nil
}

// FillFrom replaces the whole state with a packet received from the device.
// The tie flag follows equality of the decoded rx and tx frequencies.
func (c *DeviceConfig) FillFrom(packet []byte) error {
	f, err := protocol.DecodeConfig(packet)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.st = configState{
		rxTunePhase:     f.RxTunePhase,
		txTunePhase:     f.TxTunePhase,
		rxFrequency:     protocol.PhaseToFrequency(f.RxTunePhase),
		txFrequency:     protocol.PhaseToFrequency(f.TxTunePhase),
		txPowerLevel:    f.TxPowerLevel,
		txControl:       protocol.TxMode(f.TxControl),
		rxControl:       f.RxControl,
		sampleRate:      protocol.CodeToSampleRate(f.RxControl),
		firmwareVersion: f.FirmwareVersion,
		preselector:     f.Preselector,
		attenuator:      f.Attenuator,
		antenna:         f.Antenna,
	}
	c.st.tieTxToRx = c.st.rxFrequency == c.st.txFrequency

	c.lastReceived = append(c.lastReceived[:0], packet...)
	c.dirty = true
	return nil
}

// encodeLocked refreshes lastEncoded when the state changed since the last
// serialization.
func (c *DeviceConfig) encodeLocked() {
	if len(c.lastEncoded) == protocol.ConfigPacketSize && !c.dirty {
		return
	}
	if len(c.lastEncoded) != protocol.ConfigPacketSize {
		c.lastEncoded = make([]byte, protocol.ConfigPacketSize)
	}
	protocol.EncodeConfigTo(c.lastEncoded, c.st.fields())
	c.dirty = false
}

// Serialize returns the configuration packet. The packet is only re-encoded
// when something changed since the previous call.
func (c *DeviceConfig) Serialize() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.encodeLocked()
	out := make([]byte, len(c.lastEncoded))
	copy(out, c.lastEncoded)
	return out
}

// WriteTo writes the configuration packet to w without copying it.
func (c *DeviceConfig) WriteTo(w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.encodeLocked()
	n, err := w.Write(c.lastEncoded)
	if err == nil && n != len(c.lastEncoded) {
		err = io.ErrShortWrite
	}
	return int64(n), err
}

// IsConsistent reports whether the last packet received from the device
// equals the last packet serialized on this side.
func (c *DeviceConfig) IsConsistent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consistentLocked()
}

func (c *DeviceConfig) consistentLocked() bool {
	return c.lastReceived != nil && c.lastEncoded != nil && bytes.Equal(c.lastReceived, c.lastEncoded)
}

// RxFrequency returns the receive frequency in Hz.
func (c *DeviceConfig) RxFrequency() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.rxFrequency
}

// TxFrequency returns the transmit frequency in Hz; while tied this is the
// receive frequency.
func (c *DeviceConfig) TxFrequency() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.effectiveTxFrequency()
}

func (c *DeviceConfig) IsTiedTxToRx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.tieTxToRx
}

func (c *DeviceConfig) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.sampleRate
}

func (c *DeviceConfig) RxControl() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.rxControl
}

func (c *DeviceConfig) TxPowerLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.st.txPowerLevel)
}

func (c *DeviceConfig) TxMode() protocol.TxMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.txControl
}

func (c *DeviceConfig) FirmwareVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.st.firmwareVersion)
}

func (c *DeviceConfig) Antenna() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.st.antenna)
}

func (c *DeviceConfig) Preselector() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.st.preselector)
}

func (c *DeviceConfig) Attenuator() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.st.attenuator)
}

// Settings returns a consistent snapshot of every field.
func (c *DeviceConfig) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.st
	return Settings{
		RxFrequency:     st.rxFrequency,
		TxFrequency:     st.effectiveTxFrequency(),
		RxTunePhase:     st.rxTunePhase,
		TxTunePhase:     st.fields().TxTunePhase,
		TieTxToRx:       st.tieTxToRx,
		SampleRate:      st.sampleRate,
		RxControl:       st.rxControl,
		TxPowerLevel:    int(st.txPowerLevel),
		TxMode:          st.txControl.String(),
		FirmwareVersion: int(st.firmwareVersion),
		Preselector:     int(st.preselector),
		Attenuator:      int(st.attenuator),
		Antenna:         int(st.antenna),
		Consistent:      c.consistentLocked(),
	}
}

func (c *DeviceConfig) String() string {
	s := c.Settings()

	var sb strings.Builder
	sb.WriteString("HiQSDR config [")
	fmt.Fprintf(&sb, "rxFreq: %d, txFreq: %d, tieTxToRx: %t", s.RxFrequency, s.TxFrequency, s.TieTxToRx)
	fmt.Fprintf(&sb, ", sampleRate: %d, txPowerLevel: %d, txMode: %s", s.SampleRate, s.TxPowerLevel, s.TxMode)
	fmt.Fprintf(&sb, ", firmwareVersion: %d", s.FirmwareVersion)
	if s.FirmwareVersion >= 1 {
		fmt.Fprintf(&sb, ", preselector: %d, attenuator: %d, antenna: %d", s.Preselector, s.Attenuator, s.Antenna)
	}
	sb.WriteString("]")
	return sb.String()
}
