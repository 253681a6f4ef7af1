package hardware

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/hiqsdr/pkg/protocol"
)

func TestDeviceConfigDefaults(t *testing.T) {
	cfg := NewDeviceConfig()

	assert.Equal(t, DefaultFirmwareVersion, cfg.FirmwareVersion())
	assert.True(t, cfg.IsTiedTxToRx())
	assert.Equal(t, 48_000, cfg.SampleRate())
	assert.Equal(t, byte(39), cfg.RxControl())
	assert.False(t, cfg.IsConsistent(), "nothing received yet")

	packet := cfg.Serialize()
	require.Len(t, packet, protocol.ConfigPacketSize)
	assert.Equal(t, []byte{'S', 't'}, packet[:2])
}

func TestTiedTxFrequency(t *testing.T) {
	cfg := NewDeviceConfig()
	cfg.SetRxFrequency(14_000_000)
	cfg.SetTxFrequency(7_000_000)

	assert.Equal(t, int64(14_000_000), cfg.TxFrequency())

	packet := cfg.Serialize()
	assert.Equal(t, packet[2:6], packet[6:10], "tx phase mirrors rx phase while tied")

	cfg.SetTiedTxToRxFrequency(false)
	assert.Equal(t, int64(7_000_000), cfg.TxFrequency())
	packet = cfg.Serialize()
	assert.Equal(t, protocol.FrequencyToPhase(7_000_000), binary.LittleEndian.Uint32(packet[6:10]))
}

func TestSetSampleRate(t *testing.T) {
	cfg := NewDeviceConfig()

	require.NoError(t, cfg.SetSampleRate(960_000))
	assert.Equal(t, byte(1), cfg.RxControl())

	err := cfg.SetSampleRate(333_000)
	assert.ErrorIs(t, err, protocol.ErrUnsupportedRate)
	assert.Equal(t, 960_000, cfg.SampleRate())
	assert.Equal(t, byte(1), cfg.RxControl())

	err = cfg.SetSampleRate(-1)
	assert.ErrorIs(t, err, protocol.ErrInvalidArgument)
	assert.NotErrorIs(t, err, protocol.ErrUnsupportedRate)

	assert.NoError(t, cfg.SetSampleRate(960_000), "setting the current rate is a no-op")
}

func TestTxPowerLevel(t *testing.T) {
	cfg := NewDeviceConfig()

	require.NoError(t, cfg.SetTxPowerLevel(255))
	assert.Equal(t, 255, cfg.TxPowerLevel())

	assert.ErrorIs(t, cfg.SetTxPowerLevel(256), protocol.ErrOutOfRange)
	assert.ErrorIs(t, cfg.SetTxPowerLevel(-1), protocol.ErrInvalidArgument)
	assert.Equal(t, 255, cfg.TxPowerLevel())
}

func TestFirmwareGating(t *testing.T) {
	cfg, err := NewDeviceConfigWithFirmware(0)
	require.NoError(t, err)

	assert.ErrorIs(t, cfg.SetAntenna(1), protocol.ErrUnsupportedFeature)
	assert.ErrorIs(t, cfg.SetPreselector(2), protocol.ErrUnsupportedFeature)
	assert.ErrorIs(t, cfg.SetTxMode(protocol.TxModeHardwareCW), protocol.ErrUnsupportedFeature)
	assert.NoError(t, cfg.SetTxMode(protocol.TxModeKeyedCW))

	require.NoError(t, cfg.SetFirmwareVersion(1))
	require.NoError(t, cfg.SetAntenna(1))
	assert.Equal(t, 1, cfg.Antenna())
	assert.NoError(t, cfg.SetTxMode(protocol.TxModeExtendedIO))

	assert.ErrorIs(t, cfg.SetTxMode(protocol.TxMode(0x10)), protocol.ErrUnknownMode)
	assert.ErrorIs(t, cfg.SetFirmwareVersion(3), protocol.ErrUnsupportedVersion)

	require.NoError(t, cfg.SetFirmwareVersion(0))
	assert.Equal(t, 0, cfg.Antenna(), "gated fields cleared on downgrade")
}

func TestFillFrom(t *testing.T) {
	t.Run("Tied When Frequencies Match", func(t *testing.T) {
		src := NewDeviceConfig()
		src.SetRxFrequency(14_074_000)
		require.NoError(t, src.SetSampleRate(96_000))

		cfg, err := NewDeviceConfigFromPacket(src.Serialize())
		require.NoError(t, err)
		assert.True(t, cfg.IsTiedTxToRx())
		assert.InDelta(t, 14_074_000, cfg.RxFrequency(), 1)
		assert.Equal(t, 96_000, cfg.SampleRate())
	})

	t.Run("Untied When Frequencies Differ", func(t *testing.T) {
		cfg := NewDeviceConfig()
		packet := protocol.EncodeConfig(protocol.Fields{
			RxTunePhase:     protocol.FrequencyToPhase(7_074_000),
			TxTunePhase:     protocol.FrequencyToPhase(7_076_000),
			RxControl:       39,
			FirmwareVersion: 2,
		})
		require.NoError(t, cfg.FillFrom(packet))
		assert.False(t, cfg.IsTiedTxToRx())
		assert.InDelta(t, 7_076_000, cfg.TxFrequency(), 1)
	})

	t.Run("Malformed Leaves State", func(t *testing.T) {
		cfg := NewDeviceConfig()
		cfg.SetRxFrequency(3_573_000)

		packet := cfg.Serialize()
		packet[0] = 'X'
		assert.ErrorIs(t, cfg.FillFrom(packet), protocol.ErrMalformedPacket)
		assert.Equal(t, int64(3_573_000), cfg.RxFrequency())
	})
}

func TestIsConsistent(t *testing.T) {
	cfg := NewDeviceConfig()
	cfg.SetRxFrequency(10_000_000)

	sent := cfg.Serialize()
	require.NoError(t, cfg.FillFrom(sent))
	assert.True(t, cfg.IsConsistent())

	// re-encoding the decoded state reproduces the same packet
	assert.Equal(t, sent, cfg.Serialize())
	assert.True(t, cfg.IsConsistent())

	echo := append([]byte(nil), sent...)
	echo[13] = 1
	require.NoError(t, cfg.FillFrom(echo))
	assert.Equal(t, 1, cfg.FirmwareVersion())
	cfg.SetRxFrequency(10_000_100)
	cfg.Serialize()
	assert.False(t, cfg.IsConsistent())
}

func TestSerializeMemoized(t *testing.T) {
	cfg := NewDeviceConfig()

	first := cfg.Serialize()
	first[2] = 0xFF
	second := cfg.Serialize()
	assert.NotEqual(t, byte(0xFF), second[2], "callers get a copy")

	cfg.SetRxFrequency(1_000_000)
	third := cfg.Serialize()
	assert.NotEqual(t, second, third)
}

func TestApplyIsAtomic(t *testing.T) {
	cfg := NewDeviceConfig()
	cfg.SetRxFrequency(14_074_000)

	rx := int64(7_074_000)
	power := 300
	err := cfg.Apply(Changes{RxFrequency: &rx, TxPowerLevel: &power})
	assert.ErrorIs(t, err, protocol.ErrOutOfRange)
	assert.Equal(t, int64(14_074_000), cfg.RxFrequency())

	power = 100
	mode := "hardware_cw"
	antenna := 2
	require.NoError(t, cfg.Apply(Changes{RxFrequency: &rx, TxPowerLevel: &power, TxMode: &mode, Antenna: &antenna}))
	s := cfg.Settings()
	assert.Equal(t, int64(7_074_000), s.RxFrequency)
	assert.Equal(t, 100, s.TxPowerLevel)
	assert.Equal(t, "hardware_cw", s.TxMode)
	assert.Equal(t, 2, s.Antenna)

	fw := 0
	err = cfg.Apply(Changes{FirmwareVersion: &fw, Antenna: &antenna})
	assert.ErrorIs(t, err, protocol.ErrUnsupportedFeature)
	assert.Equal(t, 2, cfg.FirmwareVersion())
}

func TestDeviceConfigString(t *testing.T) {
	cfg := NewDeviceConfig()
	cfg.SetRxFrequency(14_000_000)
	assert.Contains(t, cfg.String(), "rxFreq: 14000000")
	assert.Contains(t, cfg.String(), "antenna: 0")
}
