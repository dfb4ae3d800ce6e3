package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestNew tests validation of assembled settings
func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }, true},
		{"chunk too large", func(c *Config) { c.ChunkSize = 70000 }, true},
		{"empty job queue", func(c *Config) { c.JobQueueSize = 0 }, true},
		{"serial without baud", func(c *Config) { c.SerialPort = "/dev/ttyUSB0"; c.SerialBaud = 0 }, true},
		{"broker without prefix", func(c *Config) { c.MQTTBroker = "tcp://localhost:1883"; c.MQTTTopicPrefix = "" }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.StorageDir = t.TempDir()
			tt.modify(&c)
			_, err := New(c)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestNewStorageDirFromEnv tests the environment fallback for the storage dir
func TestNewStorageDirFromEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "records")
	t.Setenv("COLLAR_STORAGE_DIR", dir)

	c := Default()
	c.StorageDir = ""
	cfg, err := New(c)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if cfg.StorageDir != dir {
		t.Errorf("Expected %s, got %s", dir, cfg.StorageDir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Storage dir not created: %v", err)
	}

	t.Setenv("COLLAR_STORAGE_DIR", "")
	if _, err := New(c); err == nil {
		t.Error("Expected error without storage dir")
	}
}

// TestLoadFile tests KEY=VALUE parsing
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collar.conf")
	content := `# bench rig
STORAGE_DIR = /tmp/collar
chunk_size=450
ERASE_ON_START=false
RECORD_INTERVAL=10ms
MQTT_BROKER=tcp://broker:1883
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c := Default()
	if err := LoadFile(path, &c); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if c.StorageDir != "/tmp/collar" || c.ChunkSize != 450 || c.EraseOnStart {
		t.Errorf("Unexpected config: %+v", c)
	}
	if c.RecordInterval != 10*time.Millisecond || c.MQTTBroker != "tcp://broker:1883" {
		t.Errorf("Unexpected config: %+v", c)
	}
	if c.SampleRate != 60 {
		t.Errorf("Default overwritten: %d", c.SampleRate)
	}
}

// TestLoadFileErrors tests malformed config files
func TestLoadFileErrors(t *testing.T) {
	tests := map[string]string{
		"no separator": "STORAGE_DIR\n",
		"unknown key":  "COLOR=blue\n",
		"bad number":   "CHUNK_SIZE=lots\n",
		"bad duration": "POLL_INTERVAL=soon\n",
		"bad bool":     "BLE_ENABLED=maybe\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "collar.conf")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			c := Default()
			if err := LoadFile(path, &c); err == nil {
				t.Error("Expected error")
			}
		})
	}

	c := Default()
	if err := LoadFile(filepath.Join(t.TempDir(), "missing.conf"), &c); err == nil {
		t.Error("Expected error for missing file")
	}
}
