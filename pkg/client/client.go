package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/dougsko/hiqsdr/pkg/hardware"
	"github.com/dougsko/hiqsdr/pkg/protocol"
)

// SocketClient represents a client connection to the core engine
type SocketClient struct {
	socketPath string
	timeout    time.Duration
}

// NewSocketClient creates a new socket client
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// SendCommand sends a command and returns the response
func (c *SocketClient) SendCommand(cmd string) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err = conn.Write([]byte(cmd + "\n")); err != nil {
		return nil, fmt.Errorf("send error: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		return nil, fmt.Errorf("no response received")
	}

	var response protocol.Response
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return &response, nil
}

// call sends cmd and fails with the daemon's error when it reports one
func (c *SocketClient) call(name, cmd string) (*protocol.Response, error) {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s error: %s", name, resp.Error)
	}
	return resp, nil
}

// decode re-marshals a response field into out
func decode(resp *protocol.Response, key string, out interface{}) error {
	data, ok := resp.Data[key]
	if !ok {
		return fmt.Errorf("%s not found in response", key)
	}
	raw, _ := json.Marshal(data)
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return nil
}

// GetStatus gets the current daemon status
func (c *SocketClient) GetStatus() (*protocol.Status, error) {
	resp, err := c.call("status", protocol.CmdStatus)
	if err != nil {
		return nil, err
	}
	var status protocol.Status
	if err := decode(resp, "status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetSettings gets the device configuration held by the daemon
func (c *SocketClient) GetSettings() (*hardware.Settings, error) {
	resp, err := c.call("config", protocol.CmdConfig)
	if err != nil {
		return nil, err
	}
	var s hardware.Settings
	if err := decode(resp, "settings", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetConfig changes one configuration key and returns the resulting settings
func (c *SocketClient) SetConfig(key, value string) (*hardware.Settings, error) {
	return c.settingsCommand("config", fmt.Sprintf("CONFIG:set:%s:%s", key, value))
}

// SetFrequency tunes the receiver
func (c *SocketClient) SetFrequency(hz int64) (*hardware.Settings, error) {
	return c.settingsCommand("frequency", fmt.Sprintf("FREQUENCY:%d", hz))
}

// SetTxFrequency tunes the transmitter and unties it from the receiver
func (c *SocketClient) SetTxFrequency(hz int64) (*hardware.Settings, error) {
	return c.settingsCommand("frequency", fmt.Sprintf("TXFREQUENCY:%d", hz))
}

// SetSampleRate selects the receive sample rate
func (c *SocketClient) SetSampleRate(rate int) (*hardware.Settings, error) {
	return c.settingsCommand("sample rate", fmt.Sprintf("SAMPLERATE:%d", rate))
}

// SetPower sets the transmit power level
func (c *SocketClient) SetPower(level int) (*hardware.Settings, error) {
	return c.settingsCommand("power", fmt.Sprintf("POWER:%d", level))
}

func (c *SocketClient) settingsCommand(name, cmd string) (*hardware.Settings, error) {
	resp, err := c.call(name, cmd)
	if err != nil {
		return nil, err
	}
	var s hardware.Settings
	if err := decode(resp, "settings", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetStreaming switches the receive stream and returns its new state
func (c *SocketClient) SetStreaming(on bool) (string, error) {
	state := "OFF"
	if on {
		state = "ON"
	}
	resp, err := c.call("rx", "RX:"+state)
	if err != nil {
		return "", err
	}
	s, _ := resp.Data["state"].(string)
	return s, nil
}

// Sync resends the configuration and reports whether the device echoed it
func (c *SocketClient) Sync() (*hardware.Settings, error) {
	return c.settingsCommand("sync", protocol.CmdSync)
}

// GetStats gets stream, control and journal counters
func (c *SocketClient) GetStats() (map[string]interface{}, error) {
	resp, err := c.call("stats", protocol.CmdStats)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetEvents gets the newest journaled events
func (c *SocketClient) GetEvents(limit int) ([]protocol.Event, error) {
	cmd := protocol.CmdEvents
	if limit > 0 {
		cmd = fmt.Sprintf("EVENTS:%d", limit)
	}
	return c.events(cmd)
}

// GetEventsSince gets every event recorded after id
func (c *SocketClient) GetEventsSince(id int64) ([]protocol.Event, error) {
	return c.events(fmt.Sprintf("EVENTS:since:%d", id))
}

func (c *SocketClient) events(cmd string) ([]protocol.Event, error) {
	resp, err := c.call("events", cmd)
	if err != nil {
		return nil, err
	}
	if _, ok := resp.Data["events"]; !ok {
		return []protocol.Event{}, nil
	}
	var events []protocol.Event
	if err := decode(resp, "events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Ping tests the connection
func (c *SocketClient) Ping() error {
	_, err := c.call("ping", protocol.CmdPing)
	return err
}

// IsConnected tests if the daemon is reachable
func (c *SocketClient) IsConnected() bool {
	return c.Ping() == nil
}
