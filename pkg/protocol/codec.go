package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire constants of the HiQSDR UDP protocol.
const (
	MagicS byte = 0x53 // 'S'
	MagicT byte = 0x74 // 't'

	ClockRate    = 122_880_000
	UDPClockRate = ClockRate / 64

	// Device operating range. Not enforced by the codec.
	MinFrequency  = 100_000
	MaxFrequency  = ClockRate / 2
	MinSampleRate = 48_000
	MaxSampleRate = 960_000
	TxSampleRate  = 48_000

	RxHeaderSize  = 2
	RxPayloadSize = 1440
	RxPacketSize  = RxHeaderSize + RxPayloadSize

	CommandPacketSize = 2
	ConfigPacketSize  = 22
)

// Byte offsets inside the configuration packet.
const (
	offMagic       = 0
	offRxPhase     = 2
	offTxPhase     = 6
	offPower       = 10
	offTxControl   = 11
	offRxControl   = 12
	offFirmware    = 13
	offPreselector = 14
	offAttenuator  = 15
	offAntenna     = 16
	offReserved    = 17
)

const phaseScale = float64(uint64(1) << 32)

// DeviceCommand is a two byte control datagram.
type DeviceCommand [CommandPacketSize]byte

var (
	StartReceiving = DeviceCommand{'r', 'r'}
	StopReceiving  = DeviceCommand{'s', 's'}
	RequestConfig  = DeviceCommand{'q', 'q'}
)

// Bytes returns a fresh copy of the command bytes.
func (c DeviceCommand) Bytes() []byte {
	b := c
	return b[:]
}

func (c DeviceCommand) String() string {
	return string(c[:])
}

// TxMode is the tx control byte.
type TxMode byte

const (
	TxModeInvalid     TxMode = 0x00
	TxModeKeyedCW     TxMode = 0x01
	TxModeReceivedPTT TxMode = 0x02
	TxModeExtendedIO  TxMode = 0x04
	TxModeHardwareCW  TxMode = 0x08
)

// Valid reports whether m is one of the four defined modes.
func (m TxMode) Valid() bool {
	switch m {
	case TxModeKeyedCW, TxModeReceivedPTT, TxModeExtendedIO, TxModeHardwareCW:
		return true
	}
	return false
}

// MinFirmware returns the lowest firmware version supporting m.
func (m TxMode) MinFirmware() byte {
	switch m {
	case TxModeExtendedIO, TxModeHardwareCW:
		return 1
	}
	return 0
}

func (m TxMode) String() string {
	switch m {
	case TxModeKeyedCW:
		return "keyed_cw"
	case TxModeReceivedPTT:
		return "received_ptt"
	case TxModeExtendedIO:
		return "extended_io"
	case TxModeHardwareCW:
		return "hardware_cw"
	default:
		return fmt.Sprintf("0x%02x", byte(m))
	}
}

// ParseTxMode parses the names produced by TxMode.String.
func ParseTxMode(s string) (TxMode, error) {
	for _, m := range []TxMode{TxModeKeyedCW, TxModeReceivedPTT, TxModeExtendedIO, TxModeHardwareCW} {
		if m.String() == s {
			return m, nil
		}
	}
	return TxModeInvalid, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Sample rates and their decimation codes (decimation - 1), index aligned.
var (
	sampleRates     = [...]int{960_000, 640_000, 480_000, 384_000, 320_000, 240_000, 192_000, 120_000, 96_000, 60_000, 48_000}
	sampleRateCodes = [...]byte{1, 2, 3, 4, 5, 7, 9, 15, 19, 31, 39}
)

// SupportedSampleRates returns a copy of the sample rate table in descending order.
func SupportedSampleRates() []int {
	rates := make([]int, len(sampleRates))
	copy(rates, sampleRates[:])
	return rates
}

// SampleRateToCode looks up the decimation code for a supported rate.
func SampleRateToCode(rate int) (byte, error) {
	for i, r := range sampleRates {
		if r == rate {
			return sampleRateCodes[i], nil
		}
	}
	return 0, fmt.Errorf("%w: %d Hz", ErrUnsupportedRate, rate)
}

// CodeToSampleRate computes the rate selected by any rx control byte.
func CodeToSampleRate(code byte) int {
	return UDPClockRate / (int(code) + 1)
}

// FrequencyToPhase converts Hz to the DDS tune phase, rounding to nearest.
// The phase is taken modulo 2^32, so negative frequencies and those at or
// above ClockRate alias into range.
func FrequencyToPhase(freq int64) uint32 {
	return uint32(int64(math.Round(float64(freq) / ClockRate * phaseScale)))
}

// PhaseToFrequency is the inverse of FrequencyToPhase with the same half unit
// bias, so a round trip may land 1 Hz low.
func PhaseToFrequency(phase uint32) int64 {
	return int64((float64(phase) - 0.5) * ClockRate / phaseScale)
}

// Fields holds the raw values carried by a configuration packet.
type Fields struct {
	RxTunePhase     uint32
	TxTunePhase     uint32
	TxPowerLevel    byte
	TxControl       byte
	RxControl       byte
	FirmwareVersion byte
	Preselector     byte
	Attenuator      byte
	Antenna         byte
}

// EncodeConfig serializes f into a new ConfigPacketSize byte packet.
func EncodeConfig(f Fields) []byte {
	packet := make([]byte, ConfigPacketSize)
	EncodeConfigTo(packet, f)
	return packet
}

// EncodeConfigTo writes f into dst, which must hold ConfigPacketSize bytes.
// Firmware gated bytes are written as zero when FirmwareVersion < 1.
func EncodeConfigTo(dst []byte, f Fields) {
	_ = dst[ConfigPacketSize-1]

	dst[offMagic] = MagicS
	dst[offMagic+1] = MagicT
	binary.LittleEndian.PutUint32(dst[offRxPhase:], f.RxTunePhase)
	binary.LittleEndian.PutUint32(dst[offTxPhase:], f.TxTunePhase)
	dst[offPower] = f.TxPowerLevel
	dst[offTxControl] = f.TxControl
	dst[offRxControl] = f.RxControl
	dst[offFirmware] = f.FirmwareVersion

	if f.FirmwareVersion < 1 {
		dst[offPreselector] = 0
		dst[offAttenuator] = 0
		dst[offAntenna] = 0
	} else {
		dst[offPreselector] = f.Preselector
		dst[offAttenuator] = f.Attenuator
		dst[offAntenna] = f.Antenna
	}

	for i := offReserved; i < ConfigPacketSize; i++ {
		dst[i] = 0
	}
}

// ValidateMagic checks the two byte packet header.
func ValidateMagic(packet []byte) error {
	if len(packet) < 2 {
		return fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(packet))
	}
	if packet[offMagic] != MagicS || packet[offMagic+1] != MagicT {
		return fmt.Errorf("%w: bad magic 0x%02x 0x%02x", ErrMalformedPacket, packet[0], packet[1])
	}
	return nil
}

// DecodeConfig parses a configuration packet received from the device.
func DecodeConfig(packet []byte) (Fields, error) {
	var f Fields

	if err := ValidateMagic(packet); err != nil {
		return f, err
	}
	if len(packet) != ConfigPacketSize {
		return f, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedPacket, len(packet), ConfigPacketSize)
	}

	f.RxTunePhase = binary.LittleEndian.Uint32(packet[offRxPhase:])
	f.TxTunePhase = binary.LittleEndian.Uint32(packet[offTxPhase:])
	f.TxPowerLevel = packet[offPower]
	f.TxControl = packet[offTxControl]
	f.RxControl = packet[offRxControl]
	f.FirmwareVersion = packet[offFirmware]

	if f.FirmwareVersion < 1 {
		return f, nil
	}
	f.Preselector = packet[offPreselector]
	f.Attenuator = packet[offAttenuator]
	f.Antenna = packet[offAntenna]
	return f, nil
}
