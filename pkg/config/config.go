package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/dougsko/hiqsdr/pkg/protocol"
)

// Config represents the hiqsdrd configuration
type Config struct {
	Device struct {
		Address     string `yaml:"address"`
		RxPort      int    `yaml:"rx_port"`
		ControlPort int    `yaml:"control_port"`
		// Mock runs a loopback simulator instead of talking to hardware
		Mock bool `yaml:"mock"`
	} `yaml:"device"`

	Radio struct {
		RxFrequency     int64  `yaml:"rx_frequency"`
		TxFrequency     int64  `yaml:"tx_frequency"`
		TieTxToRx       *bool  `yaml:"tie_tx_to_rx"`
		SampleRate      int    `yaml:"sample_rate"`
		TxPowerLevel    int    `yaml:"tx_power_level"`
		TxMode          string `yaml:"tx_mode"`
		FirmwareVersion *int   `yaml:"firmware_version"`
		Preselector     int    `yaml:"preselector"`
		Attenuator      int    `yaml:"attenuator"`
		Antenna         int    `yaml:"antenna"`
	} `yaml:"radio"`

	Stream struct {
		PoolSize      int   `yaml:"pool_size"`
		MaxPoolSize   int   `yaml:"max_pool_size"`
		ReadBuffer    int   `yaml:"read_buffer"`
		AutoStart     *bool `yaml:"auto_start"`
		FFTSize       int   `yaml:"fft_size"`
		StatsInterval int   `yaml:"stats_interval"` // seconds
	} `yaml:"stream"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"web"`

	API struct {
		UnixSocket string `yaml:"unix_socket"`
	} `yaml:"api"`

	Storage struct {
		DatabasePath string `yaml:"database_path"`
		MaxEvents    int    `yaml:"max_events"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Device.RxPort == 0 {
		c.Device.RxPort = 48247
	}
	if c.Device.ControlPort == 0 {
		c.Device.ControlPort = 48248
	}
	if c.Radio.RxFrequency == 0 {
		c.Radio.RxFrequency = 14_074_000
	}
	if c.Radio.SampleRate == 0 {
		c.Radio.SampleRate = 48_000
	}
	if c.Radio.TxMode == "" {
		c.Radio.TxMode = protocol.TxModeKeyedCW.String()
	}
	if c.Stream.PoolSize == 0 {
		c.Stream.PoolSize = 16
	}
	if c.Stream.MaxPoolSize == 0 {
		c.Stream.MaxPoolSize = 256
	}
	if c.Stream.FFTSize == 0 {
		c.Stream.FFTSize = 1024
	}
	if c.Stream.StatsInterval == 0 {
		c.Stream.StatsInterval = 60
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.BindAddress == "" {
		c.Web.BindAddress = "0.0.0.0"
	}
	if c.API.UnixSocket == "" {
		c.API.UnixSocket = "/tmp/hiqsdrd.sock"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./hiqsdrd.db"
	}
	if c.Storage.MaxEvents == 0 {
		c.Storage.MaxEvents = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 28
	}
}

// TieTxToRx reports whether tx follows rx, true unless configured otherwise
func (c *Config) TieTxToRx() bool {
	return c.Radio.TieTxToRx == nil || *c.Radio.TieTxToRx
}

// FirmwareVersion returns the configured firmware version, 2 when unset
func (c *Config) FirmwareVersion() int {
	if c.Radio.FirmwareVersion == nil {
		return 2
	}
	return *c.Radio.FirmwareVersion
}

// AutoStart reports whether streaming starts with the daemon, true when unset
func (c *Config) AutoStart() bool {
	return c.Stream.AutoStart == nil || *c.Stream.AutoStart
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Device.Address == "" && !c.Device.Mock {
		return fmt.Errorf("device address is required unless mock is enabled")
	}
	if !validPort(c.Device.RxPort) || !validPort(c.Device.ControlPort) {
		return fmt.Errorf("device ports must be in range 1-65535")
	}
	if _, err := protocol.SampleRateToCode(c.Radio.SampleRate); err != nil {
		return fmt.Errorf("radio sample_rate: %w", err)
	}
	if c.Radio.TxPowerLevel < 0 || c.Radio.TxPowerLevel > 255 {
		return fmt.Errorf("radio tx_power_level must be in range 0-255")
	}
	mode, err := protocol.ParseTxMode(c.Radio.TxMode)
	if err != nil {
		return fmt.Errorf("radio tx_mode: %w", err)
	}
	fw := c.FirmwareVersion()
	if fw < 0 || fw > 2 {
		return fmt.Errorf("radio firmware_version: %w: %d", protocol.ErrUnsupportedVersion, fw)
	}
	if byte(fw) < mode.MinFirmware() {
		return fmt.Errorf("radio tx_mode %s needs firmware %d", mode, mode.MinFirmware())
	}
	if fw == 0 && (c.Radio.Preselector != 0 || c.Radio.Attenuator != 0 || c.Radio.Antenna != 0) {
		return fmt.Errorf("radio preselector, attenuator and antenna need firmware 1 or newer")
	}
	if c.Stream.PoolSize < 1 {
		return fmt.Errorf("stream pool_size must be positive")
	}
	if c.Stream.MaxPoolSize < c.Stream.PoolSize {
		return fmt.Errorf("stream max_pool_size must be at least pool_size")
	}
	if n := c.Stream.FFTSize; n < 16 || n&(n-1) != 0 {
		return fmt.Errorf("stream fft_size must be a power of two, at least 16")
	}
	if !validPort(c.Web.Port) {
		return fmt.Errorf("web port must be in range 1-65535")
	}
	return nil
}
