package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Command represents a command sent to the core engine over the control socket
type Command struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Response represents a response from the core engine
type Response struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Event represents a journaled stream or control event
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Packets   uint64    `json:"packets"`
}

// Status represents the current daemon status
type Status struct {
	Address     string    `json:"address"`
	RxFrequency int64     `json:"rx_frequency"`
	TxFrequency int64     `json:"tx_frequency"`
	SampleRate  int       `json:"sample_rate"`
	StreamState string    `json:"stream_state"`
	Consistent  bool      `json:"consistent"`
	Subscribers int       `json:"subscribers"`
	Packets     uint64    `json:"packets"`
	Uptime      string    `json:"uptime"`
	StartTime   time.Time `json:"start_time"`
	Version     string    `json:"version"`
}

// ParseCommand parses a text command into a Command struct
func ParseCommand(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	parts := strings.SplitN(text, ":", 2)

	cmd := &Command{
		Type: strings.ToUpper(parts[0]),
		Args: make(map[string]interface{}),
	}

	if len(parts) > 1 {
		args := strings.TrimSpace(parts[1])

		switch cmd.Type {
		case CmdFrequency, CmdTxFrequency:
			// FREQUENCY:14074000
			cmd.Args["frequency"] = args

		case CmdSampleRate:
			// SAMPLERATE:96000
			cmd.Args["sample_rate"] = args

		case CmdPower:
			// POWER:128
			cmd.Args["level"] = args

		case CmdRX:
			// RX:ON or RX:OFF
			cmd.Args["state"] = strings.ToUpper(args)

		case CmdEvents:
			// EVENTS:10 or EVENTS:since:123
			if strings.Contains(args, "since:") {
				sinceParts := strings.Split(args, "since:")
				if len(sinceParts) > 1 {
					cmd.Args["since"] = sinceParts[1]
				}
			} else {
				cmd.Args["limit"] = args
			}

		case CmdConfig:
			// CONFIG:set:key:value or CONFIG:get:key
			configParts := strings.SplitN(args, ":", 3)
			if len(configParts) >= 1 {
				cmd.Args["action"] = configParts[0]
			}
			if len(configParts) >= 2 {
				cmd.Args["key"] = configParts[1]
			}
			if len(configParts) >= 3 {
				cmd.Args["value"] = configParts[2]
			}
		}
	}

	return cmd, nil
}

// String converts a Response to a JSON string
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data map[string]interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// Control socket commands
const (
	CmdStatus      = "STATUS"
	CmdConfig      = "CONFIG"
	CmdFrequency   = "FREQUENCY"
	CmdTxFrequency = "TXFREQUENCY"
	CmdSampleRate  = "SAMPLERATE"
	CmdPower       = "POWER"
	CmdRX          = "RX"
	CmdSync        = "SYNC"
	CmdStats       = "STATS"
	CmdEvents      = "EVENTS"
	CmdPing        = "PING"
	CmdQuit        = "QUIT"
)
