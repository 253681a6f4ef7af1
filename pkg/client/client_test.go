package client

import (
	"path/filepath"
	"testing"

	"github.com/dougsko/hiqsdr/pkg/config"
	"github.com/dougsko/hiqsdr/pkg/engine"
)

func startDaemon(t *testing.T) *SocketClient {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Device.Mock = true
	cfg.Storage.DatabasePath = filepath.Join(dir, "client.db")
	autoStart := false
	cfg.Stream.AutoStart = &autoStart

	socketPath := filepath.Join(dir, "c.sock")
	e := engine.NewCoreEngine(cfg, socketPath)
	if err := e.Start(); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return NewSocketClient(socketPath)
}

func TestSocketClient(t *testing.T) {
	c := startDaemon(t)

	if !c.IsConnected() {
		t.Fatal("Expected daemon to answer PING")
	}

	status, err := c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.StreamState != "stopped" || status.SampleRate != 48000 {
		t.Errorf("Unexpected status %+v", status)
	}

	s, err := c.SetSampleRate(192000)
	if err != nil || s.SampleRate != 192000 {
		t.Errorf("SetSampleRate: %+v, %v", s, err)
	}
	if _, err := c.SetSampleRate(50000); err == nil {
		t.Error("Expected unsupported rate to fail")
	}

	s, err = c.SetConfig("tx_mode", "hardware_cw")
	if err != nil || s.TxMode != "hardware_cw" {
		t.Errorf("SetConfig: %+v, %v", s, err)
	}

	state, err := c.SetStreaming(true)
	if err != nil || state != "running" {
		t.Errorf("SetStreaming(true): %s, %v", state, err)
	}
	state, err = c.SetStreaming(false)
	if err != nil || state != "stopped" {
		t.Errorf("SetStreaming(false): %s, %v", state, err)
	}

	s, err = c.Sync()
	if err != nil || !s.Consistent {
		t.Errorf("Sync: %+v, %v", s, err)
	}

	events, err := c.GetEvents(3)
	if err != nil || len(events) != 3 {
		t.Fatalf("GetEvents: %d events, %v", len(events), err)
	}
	later, err := c.GetEventsSince(events[0].ID)
	if err != nil || len(later) < 2 {
		t.Errorf("GetEventsSince: %d events, %v", len(later), err)
	}

	stats, err := c.GetStats()
	if err != nil || stats["stream"] == nil {
		t.Errorf("GetStats: %v, %v", stats, err)
	}
}

func TestSocketClientNoDaemon(t *testing.T) {
	c := NewSocketClient(filepath.Join(t.TempDir(), "missing.sock"))
	if c.IsConnected() {
		t.Error("Expected no daemon")
	}
	if _, err := c.GetStatus(); err == nil {
		t.Error("Expected connection error")
	}
}
