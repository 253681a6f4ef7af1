package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	t.Run("STATUS Command", func(t *testing.T) {
		cmd, err := ParseCommand("STATUS")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cmd.Type != CmdStatus {
			t.Errorf("Expected type STATUS, got %s", cmd.Type)
		}
		if len(cmd.Args) != 0 {
			t.Errorf("Expected no args for STATUS, got %d", len(cmd.Args))
		}
	})

	t.Run("FREQUENCY Command", func(t *testing.T) {
		cmd, err := ParseCommand("FREQUENCY:14074000")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cmd.Type != CmdFrequency {
			t.Errorf("Expected type FREQUENCY, got %s", cmd.Type)
		}
		if cmd.Args["frequency"] != "14074000" {
			t.Errorf("Expected frequency 14074000, got %v", cmd.Args["frequency"])
		}
	})

	t.Run("TXFREQUENCY Command", func(t *testing.T) {
		cmd, err := ParseCommand("TXFREQUENCY: 7074000")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cmd.Args["frequency"] != "7074000" {
			t.Errorf("Expected frequency 7074000, got %v", cmd.Args["frequency"])
		}
	})

	t.Run("SAMPLERATE Command", func(t *testing.T) {
		cmd, err := ParseCommand("SAMPLERATE:96000")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cmd.Args["sample_rate"] != "96000" {
			t.Errorf("Expected sample rate 96000, got %v", cmd.Args["sample_rate"])
		}
	})

	t.Run("POWER Command", func(t *testing.T) {
		cmd, err := ParseCommand("POWER:128")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cmd.Args["level"] != "128" {
			t.Errorf("Expected level 128, got %v", cmd.Args["level"])
		}
	})

	t.Run("RX Command Normalizes State", func(t *testing.T) {
		cmd, err := ParseCommand("rx:on")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cmd.Type != CmdRX {
			t.Errorf("Expected type RX, got %s", cmd.Type)
		}
		if cmd.Args["state"] != "ON" {
			t.Errorf("Expected state ON, got %v", cmd.Args["state"])
		}
	})

	t.Run("EVENTS Command with Limit", func(t *testing.T) {
		cmd, err := ParseCommand("EVENTS:20")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cmd.Args["limit"] != "20" {
			t.Errorf("Expected limit 20, got %v", cmd.Args["limit"])
		}
	})

	t.Run("EVENTS Command with Since", func(t *testing.T) {
		cmd, err := ParseCommand("EVENTS:since:42")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cmd.Args["since"] != "42" {
			t.Errorf("Expected since 42, got %v", cmd.Args["since"])
		}
	})

	t.Run("CONFIG Command Set", func(t *testing.T) {
		cmd, err := ParseCommand("CONFIG:set:antenna:1")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cmd.Args["action"] != "set" {
			t.Errorf("Expected action set, got %v", cmd.Args["action"])
		}
		if cmd.Args["key"] != "antenna" {
			t.Errorf("Expected key antenna, got %v", cmd.Args["key"])
		}
		if cmd.Args["value"] != "1" {
			t.Errorf("Expected value 1, got %v", cmd.Args["value"])
		}
	})

	t.Run("CONFIG Command Get", func(t *testing.T) {
		cmd, err := ParseCommand("CONFIG:get:sample_rate")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cmd.Args["action"] != "get" {
			t.Errorf("Expected action get, got %v", cmd.Args["action"])
		}
		if _, exists := cmd.Args["value"]; exists {
			t.Errorf("Expected no value for get command, got %v", cmd.Args["value"])
		}
	})

	t.Run("Simple Commands", func(t *testing.T) {
		commands := []string{CmdQuit, CmdPing, CmdSync, CmdStats, CmdConfig}
		for _, cmdText := range commands {
			t.Run(cmdText, func(t *testing.T) {
				cmd, err := ParseCommand(cmdText)
				if err != nil {
					t.Fatalf("Expected no error for %s, got: %v", cmdText, err)
				}
				if cmd.Type != cmdText {
					t.Errorf("Expected type %s, got %s", cmdText, cmd.Type)
				}
				if len(cmd.Args) != 0 {
					t.Errorf("Expected no args for %s, got %d", cmdText, len(cmd.Args))
				}
			})
		}
	})

	t.Run("Unknown Command", func(t *testing.T) {
		cmd, err := ParseCommand("UNKNOWN:test")
		if err != nil {
			t.Fatalf("Expected no error for unknown command, got: %v", err)
		}
		if cmd.Type != "UNKNOWN" {
			t.Errorf("Expected type UNKNOWN, got %s", cmd.Type)
		}
		if len(cmd.Args) != 0 {
			t.Errorf("Expected no args for unknown command, got %d", len(cmd.Args))
		}
	})
}

func TestResponse(t *testing.T) {
	t.Run("Success Response JSON", func(t *testing.T) {
		resp := NewSuccessResponse(map[string]interface{}{
			"rx_frequency": 14074000,
			"consistent":   true,
		})

		if !resp.Success {
			t.Error("Expected success to be true")
		}

		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(resp.String()), &parsed); err != nil {
			t.Fatalf("Failed to parse JSON: %v", err)
		}
		if parsed["success"] != true {
			t.Error("Expected success true in JSON")
		}
		data := parsed["data"].(map[string]interface{})
		if data["rx_frequency"] != float64(14074000) {
			t.Errorf("Expected rx_frequency 14074000, got %v", data["rx_frequency"])
		}
	})

	t.Run("Error Response JSON", func(t *testing.T) {
		resp := NewErrorResponse("unsupported sample rate")

		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(resp.String()), &parsed); err != nil {
			t.Fatalf("Failed to parse JSON: %v", err)
		}
		if parsed["success"] != false {
			t.Error("Expected success false in JSON")
		}
		if parsed["error"] != "unsupported sample rate" {
			t.Errorf("Expected error in JSON, got %v", parsed["error"])
		}
		if _, ok := parsed["data"]; ok {
			t.Error("Expected data to be omitted")
		}
	})
}

func TestStatusJSON(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	status := Status{
		Address:     "192.168.2.196",
		RxFrequency: 14074000,
		SampleRate:  48000,
		StreamState: "running",
		StartTime:   start,
	}

	data, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("Failed to marshal status: %v", err)
	}

	var decoded Status
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if decoded.StreamState != "running" || !decoded.StartTime.Equal(start) {
		t.Errorf("Unexpected decoded status: %+v", decoded)
	}
}
