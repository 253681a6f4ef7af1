package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/hiqsdr/pkg/config"
	"github.com/dougsko/hiqsdr/pkg/hardware"
	"github.com/dougsko/hiqsdr/pkg/iq"
	"github.com/dougsko/hiqsdr/pkg/logging"
	"github.com/dougsko/hiqsdr/pkg/monitor"
	"github.com/dougsko/hiqsdr/pkg/protocol"
	"github.com/dougsko/hiqsdr/pkg/storage"
)

// Version is reported by STATUS
const Version = "0.1.0"

const syncTimeout = 2 * time.Second

// CoreEngine owns the device and serves the control socket
type CoreEngine struct {
	config     *config.Config
	socketPath string
	listener   net.Listener
	running    bool
	mutex      sync.RWMutex
	startTime  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	device      *hardware.Device
	mock        *hardware.MockDevice
	monitor     *monitor.Monitor
	store       *storage.EventStore
	journal     *journal
	stopObserve func()
}

// NewCoreEngine creates an engine. Nothing is opened until Start.
func NewCoreEngine(cfg *config.Config, socketPath string) *CoreEngine {
	ctx, cancel := context.WithCancel(context.Background())
	return &CoreEngine{
		config:     cfg,
		socketPath: socketPath,
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		monitor:    monitor.NewMonitor(cfg.Radio.SampleRate, cfg.Stream.FFTSize),
	}
}

// radioChanges turns the radio section of the config into one atomic update
func radioChanges(cfg *config.Config) hardware.Changes {
	tie := cfg.TieTxToRx()
	rate := cfg.Radio.SampleRate
	power := cfg.Radio.TxPowerLevel
	mode := cfg.Radio.TxMode
	rx := cfg.Radio.RxFrequency
	tx := cfg.Radio.TxFrequency
	if tx == 0 {
		tx = rx
	}

	ch := hardware.Changes{
		RxFrequency:  &rx,
		TxFrequency:  &tx,
		TieTxToRx:    &tie,
		SampleRate:   &rate,
		TxPowerLevel: &power,
		TxMode:       &mode,
	}
	if cfg.FirmwareVersion() >= 1 {
		pre, att, ant := cfg.Radio.Preselector, cfg.Radio.Attenuator, cfg.Radio.Antenna
		ch.Preselector, ch.Attenuator, ch.Antenna = &pre, &att, &ant
	}
	return ch
}

// packetInterval is how often a device emits a datagram at rate
func packetInterval(rate int) time.Duration {
	return time.Duration(float64(time.Second) * iq.SamplesPerPacket / float64(rate))
}

// Start opens the device, journal and control socket
func (e *CoreEngine) Start() error {
	if e.config.Storage.DatabasePath != "" {
		store, err := storage.NewEventStore(e.config.Storage.DatabasePath, e.config.Storage.MaxEvents)
		if err != nil {
			return err
		}
		e.store = store
	}

	opts := hardware.DeviceOptions{
		Address:     e.config.Device.Address,
		RxPort:      e.config.Device.RxPort,
		ControlPort: e.config.Device.ControlPort,
		Firmware:    e.config.FirmwareVersion(),
		Stream: hardware.StreamOptions{
			PoolSize:    e.config.Stream.PoolSize,
			MaxPoolSize: e.config.Stream.MaxPoolSize,
			ReadBuffer:  e.config.Stream.ReadBuffer,
		},
	}
	if e.config.Device.Mock {
		mock, err := hardware.NewMockDevice()
		if err != nil {
			return fmt.Errorf("failed to start mock device: %w", err)
		}
		mock.SetInterval(packetInterval(e.config.Radio.SampleRate))
		e.mock = mock
		opts.Address = "127.0.0.1"
		opts.RxPort = mock.RxPort()
		opts.ControlPort = mock.ControlPort()
	}

	device, err := hardware.NewDevice(opts)
	if err != nil {
		return err
	}
	if err := device.Config().Apply(radioChanges(e.config)); err != nil {
		return fmt.Errorf("invalid radio configuration: %w", err)
	}
	if err := device.Open(); err != nil {
		return err
	}
	e.device = device

	rx, _ := device.RX()
	control, _ := device.Control()

	e.stopObserve = control.Observe(e.onDeviceConfig)
	e.monitor.SetTuning(device.Config().SampleRate(), device.Config().RxFrequency())
	e.journal = newJournal(e)
	rx.Subscribe(e.journal)
	rx.Subscribe(e.monitor)

	ctx, cancel := context.WithTimeout(e.ctx, syncTimeout)
	if _, err := control.Sync(ctx); err != nil {
		logging.Warnf("engine", "device did not answer configuration: %v", err)
	}
	cancel()
	e.record("control", storage.KindConfigSent, device.Config().String(), 0)

	if e.config.AutoStart() {
		if err := e.SetStreaming(true); err != nil {
			return err
		}
	}

	if e.config.Stream.StatsInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			rx.Pool().Report(e.ctx, time.Duration(e.config.Stream.StatsInterval)*time.Second)
		}()
	}

	if e.socketPath != "" {
		if err := e.listen(); err != nil {
			return err
		}
	}

	e.mutex.Lock()
	e.running = true
	e.mutex.Unlock()
	return nil
}

func (e *CoreEngine) listen() error {
	os.Remove(e.socketPath)

	listener, err := net.Listen("unix", e.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}
	e.listener = listener

	if err := os.Chmod(e.socketPath, 0660); err != nil {
		logging.Warnf("engine", "failed to set socket permissions: %v", err)
	}
	logging.Infof("engine", "core engine listening on %s", e.socketPath)

	e.wg.Add(1)
	go e.acceptConnections()
	return nil
}

// Stop closes the device, journal and control socket
func (e *CoreEngine) Stop() error {
	e.mutex.Lock()
	wasRunning := e.running
	e.running = false
	e.mutex.Unlock()

	e.cancel()
	if e.listener != nil {
		e.listener.Close()
	}

	var errs []error
	if e.stopObserve != nil {
		e.stopObserve()
	}
	if e.device != nil {
		if err := e.device.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.mock != nil {
		e.mock.Close()
	}
	e.wg.Wait()

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.socketPath != "" && wasRunning {
		os.Remove(e.socketPath)
	}
	return errors.Join(errs...)
}

func (e *CoreEngine) isRunning() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.running
}

func (e *CoreEngine) acceptConnections() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || e.ctx.Err() != nil {
				return
			}
			logging.Warnf("engine", "socket accept error: %v", err)
			continue
		}
		go e.handleConnection(conn)
	}
}

func (e *CoreEngine) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		var response *protocol.Response
		if err != nil {
			response = protocol.NewErrorResponse(fmt.Sprintf("parse error: %v", err))
		} else {
			response = e.handleCommand(cmd)
		}
		if _, err := conn.Write([]byte(response.String() + "\n")); err != nil {
			return
		}

		if cmd != nil && cmd.Type == protocol.CmdQuit {
			return
		}
	}
}

func (e *CoreEngine) record(source, kind, detail string, packets uint64) {
	if e.store == nil {
		return
	}
	_, err := e.store.RecordEvent(protocol.Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Detail:    detail,
		Packets:   packets,
	})
	if err != nil {
		logging.Warnf("engine", "failed to record %s event: %v", kind, err)
	}
}

func (e *CoreEngine) onDeviceConfig(s hardware.Settings) {
	e.monitor.SetTuning(s.SampleRate, s.RxFrequency)
	if e.mock != nil {
		e.mock.SetInterval(packetInterval(s.SampleRate))
	}

	if s.Consistent {
		e.record("control", storage.KindConfigReceived, e.device.Config().String(), 0)
	} else {
		logging.Warnf("engine", "device configuration differs from what was sent")
		e.record("control", storage.KindConfigInconsistent, e.device.Config().String(), 0)
	}
}

// Device returns the underlying device
func (e *CoreEngine) Device() *hardware.Device {
	return e.device
}

// Monitor returns the spectrum monitor
func (e *CoreEngine) Monitor() *monitor.Monitor {
	return e.monitor
}

// Status returns a daemon status snapshot
func (e *CoreEngine) Status() protocol.Status {
	settings := e.device.Config().Settings()
	rx, _ := e.device.RX()
	stats := rx.Stats()

	return protocol.Status{
		Address:     e.device.Address(),
		RxFrequency: settings.RxFrequency,
		TxFrequency: settings.TxFrequency,
		SampleRate:  settings.SampleRate,
		StreamState: stats.State,
		Consistent:  settings.Consistent,
		Subscribers: stats.Subscribers,
		Packets:     stats.Packets,
		Uptime:      time.Since(e.startTime).Round(time.Second).String(),
		StartTime:   e.startTime,
		Version:     Version,
	}
}

// Settings returns the current device configuration
func (e *CoreEngine) Settings() hardware.Settings {
	return e.device.Config().Settings()
}

// ApplySettings validates and applies ch, then sends the result to the device
func (e *CoreEngine) ApplySettings(ch hardware.Changes) (hardware.Settings, error) {
	if err := e.device.Config().Apply(ch); err != nil {
		e.record("control", storage.KindConfigRejected, err.Error(), 0)
		return e.Settings(), err
	}

	control, err := e.device.Control()
	if err != nil {
		return e.Settings(), err
	}
	if err := control.Send(); err != nil {
		return e.Settings(), err
	}

	settings := e.Settings()
	e.monitor.SetTuning(settings.SampleRate, settings.RxFrequency)
	e.record("control", storage.KindConfigSent, e.device.Config().String(), 0)
	return settings, nil
}

// SyncConfig sends the configuration and waits for the device to answer
func (e *CoreEngine) SyncConfig(ctx context.Context) (hardware.Settings, error) {
	control, err := e.device.Control()
	if err != nil {
		return hardware.Settings{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	return control.Sync(ctx)
}

// SetStreaming switches the receive stream on or off
func (e *CoreEngine) SetStreaming(on bool) error {
	rx, err := e.device.RX()
	if err != nil {
		return err
	}

	packets := rx.Stats().Packets
	if on {
		if err := rx.SwitchOn(); err != nil {
			return err
		}
		e.record("rx", storage.KindStreamStarted, "", packets)
		return nil
	}
	if err := rx.SwitchOff(); err != nil {
		return err
	}
	e.record("rx", storage.KindStreamStopped, "", packets)
	return nil
}

// Subscribe attaches an external subscriber to the receive stream
func (e *CoreEngine) Subscribe(sub hardware.Subscriber) (*hardware.Subscription, error) {
	rx, err := e.device.RX()
	if err != nil {
		return nil, err
	}
	return rx.Subscribe(sub), nil
}

// Stats collects stream, control, monitor and journal counters
func (e *CoreEngine) Stats() map[string]interface{} {
	rx, _ := e.device.RX()
	control, _ := e.device.Control()

	stats := map[string]interface{}{
		"stream":  rx.Stats(),
		"control": control.Stats(),
		"monitor": e.monitor.GetStatistics(),
	}
	if e.store != nil {
		if es, err := e.store.GetStats(); err == nil {
			stats["events"] = es
		}
	}
	return stats
}

// Events returns journaled events, either the newest limit or those after since
func (e *CoreEngine) Events(limit int, since int64) ([]protocol.Event, error) {
	if e.store == nil {
		return []protocol.Event{}, nil
	}
	if since > 0 {
		return e.store.GetEventsSince(since)
	}
	return e.store.GetRecentEvents(limit)
}

func (e *CoreEngine) handleCommand(cmd *protocol.Command) *protocol.Response {
	switch cmd.Type {
	case protocol.CmdStatus:
		return protocol.NewSuccessResponse(map[string]interface{}{"status": e.Status()})

	case protocol.CmdConfig:
		return e.handleConfig(cmd)

	case protocol.CmdFrequency, protocol.CmdTxFrequency:
		hz, err := strconv.ParseInt(argString(cmd, "frequency"), 10, 64)
		if err != nil {
			return protocol.NewErrorResponse("invalid frequency")
		}
		ch := hardware.Changes{RxFrequency: &hz}
		if cmd.Type == protocol.CmdTxFrequency {
			tie := false
			ch = hardware.Changes{TxFrequency: &hz, TieTxToRx: &tie}
		}
		return e.applyResponse(ch)

	case protocol.CmdSampleRate:
		rate, err := strconv.Atoi(argString(cmd, "sample_rate"))
		if err != nil {
			return protocol.NewErrorResponse("invalid sample rate")
		}
		return e.applyResponse(hardware.Changes{SampleRate: &rate})

	case protocol.CmdPower:
		level, err := strconv.Atoi(argString(cmd, "level"))
		if err != nil {
			return protocol.NewErrorResponse("invalid power level")
		}
		return e.applyResponse(hardware.Changes{TxPowerLevel: &level})

	case protocol.CmdRX:
		state := argString(cmd, "state")
		if state != "ON" && state != "OFF" {
			return protocol.NewErrorResponse("state must be ON or OFF")
		}
		if err := e.SetStreaming(state == "ON"); err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		rx, _ := e.device.RX()
		return protocol.NewSuccessResponse(map[string]interface{}{"state": rx.State().String()})

	case protocol.CmdSync:
		settings, err := e.SyncConfig(e.ctx)
		if err != nil {
			return protocol.NewErrorResponse(fmt.Sprintf("sync failed: %v", err))
		}
		return protocol.NewSuccessResponse(map[string]interface{}{
			"settings":   settings,
			"consistent": settings.Consistent,
		})

	case protocol.CmdStats:
		return protocol.NewSuccessResponse(e.Stats())

	case protocol.CmdEvents:
		limit, since := 20, int64(0)
		if v := argString(cmd, "limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return protocol.NewErrorResponse("invalid limit")
			}
			limit = n
		}
		if v := argString(cmd, "since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return protocol.NewErrorResponse("invalid event id")
			}
			since = n
		}
		events, err := e.Events(limit, since)
		if err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		return protocol.NewSuccessResponse(map[string]interface{}{
			"events": events,
			"count":  len(events),
		})

	case protocol.CmdPing:
		return protocol.NewSuccessResponse(map[string]interface{}{"pong": time.Now().Unix()})

	case protocol.CmdQuit:
		return protocol.NewSuccessResponse(map[string]interface{}{"message": "goodbye"})

	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown command: %s", cmd.Type))
	}
}

func argString(cmd *protocol.Command, key string) string {
	s, _ := cmd.Args[key].(string)
	return s
}

func (e *CoreEngine) applyResponse(ch hardware.Changes) *protocol.Response {
	settings, err := e.ApplySettings(ch)
	if err != nil {
		return protocol.NewErrorResponse(err.Error())
	}
	return protocol.NewSuccessResponse(map[string]interface{}{"settings": settings})
}

func settingsMap(s hardware.Settings) map[string]interface{} {
	data, _ := json.Marshal(s)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)
	return m
}

func (e *CoreEngine) handleConfig(cmd *protocol.Command) *protocol.Response {
	action := argString(cmd, "action")
	key := argString(cmd, "key")

	switch action {
	case "":
		return protocol.NewSuccessResponse(map[string]interface{}{"settings": e.Settings()})

	case "get":
		m := settingsMap(e.Settings())
		v, ok := m[key]
		if !ok {
			return protocol.NewErrorResponse(fmt.Sprintf("unknown key: %s", key))
		}
		return protocol.NewSuccessResponse(map[string]interface{}{key: v})

	case "set":
		ch, err := changeFor(key, argString(cmd, "value"))
		if err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		return e.applyResponse(ch)

	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown config action: %s", action))
	}
}

// changeFor builds a single field update from its settings key
func changeFor(key, value string) (hardware.Changes, error) {
	var ch hardware.Changes

	if key == "tx_mode" {
		ch.TxMode = &value
		return ch, nil
	}
	if key == "tie_tx_to_rx" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return ch, fmt.Errorf("invalid value for %s: %s", key, value)
		}
		ch.TieTxToRx = &b
		return ch, nil
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return ch, fmt.Errorf("invalid value for %s: %s", key, value)
	}
	i := int(n)

	switch key {
	case "rx_frequency":
		ch.RxFrequency = &n
	case "tx_frequency":
		ch.TxFrequency = &n
	case "sample_rate":
		ch.SampleRate = &i
	case "tx_power_level":
		ch.TxPowerLevel = &i
	case "firmware_version":
		ch.FirmwareVersion = &i
	case "preselector":
		ch.Preselector = &i
	case "attenuator":
		ch.Attenuator = &i
	case "antenna":
		ch.Antenna = &i
	default:
		return ch, fmt.Errorf("unknown key: %s", key)
	}
	return ch, nil
}
