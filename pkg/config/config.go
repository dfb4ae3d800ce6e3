package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the collar configuration
type Config struct {
	// Storage configuration
	StorageDir  string
	FirmwareDir string

	// Recording configuration
	SampleRate   int
	ChunkSize    int
	EraseOnStart bool
	PollInterval time.Duration

	// Transfer configuration
	RecordInterval time.Duration

	// Dispatcher configuration
	CommandQueueSize int
	JobQueueSize     int
	OTAQueueSize     int

	// Bluetooth configuration
	BLEEnabled      bool
	DeviceName      string
	SerialNumber    string
	FirmwareVersion string

	// Monitor API configuration
	APIAddr string

	// MQTT configuration
	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTClientID    string

	// Serial bench link configuration
	SerialPort string
	SerialBaud int

	// Logging configuration
	LogLevel string
}

// Default returns the configuration used when nothing is overridden. The
// storage dir honours COLLAR_STORAGE_DIR.
func Default() Config {
	storageDir := os.Getenv("COLLAR_STORAGE_DIR")
	if storageDir == "" {
		storageDir = "./data"
	}
	return Config{
		StorageDir:       storageDir,
		FirmwareDir:      "./firmware",
		SampleRate:       60,
		ChunkSize:        900,
		EraseOnStart:     true,
		PollInterval:     time.Second,
		RecordInterval:   45 * time.Millisecond,
		CommandQueueSize: 8,
		JobQueueSize:     4,
		OTAQueueSize:     5,
		BLEEnabled:       true,
		DeviceName:       "Collar",
		SerialNumber:     "000000",
		FirmwareVersion:  "1.0.0",
		APIAddr:          ":8080",
		MQTTTopicPrefix:  "collar",
		MQTTClientID:     "collar",
		SerialBaud:       115200,
		LogLevel:         "debug",
	}
}

// LoadFile applies KEY=VALUE lines from path onto c. Blank lines and lines
// starting with # are ignored.
func LoadFile(path string, c *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, line)
		}
		if err := c.Set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
	}
	return scanner.Err()
}

// Set assigns one setting by its file key
func (c *Config) Set(key, value string) error {
	var err error
	switch strings.ToUpper(key) {
	case "STORAGE_DIR":
		c.StorageDir = value
	case "FIRMWARE_DIR":
		c.FirmwareDir = value
	case "SAMPLE_RATE":
		c.SampleRate, err = strconv.Atoi(value)
	case "CHUNK_SIZE":
		c.ChunkSize, err = strconv.Atoi(value)
	case "ERASE_ON_START":
		c.EraseOnStart, err = strconv.ParseBool(value)
	case "POLL_INTERVAL":
		c.PollInterval, err = time.ParseDuration(value)
	case "RECORD_INTERVAL":
		c.RecordInterval, err = time.ParseDuration(value)
	case "COMMAND_QUEUE_SIZE":
		c.CommandQueueSize, err = strconv.Atoi(value)
	case "JOB_QUEUE_SIZE":
		c.JobQueueSize, err = strconv.Atoi(value)
	case "OTA_QUEUE_SIZE":
		c.OTAQueueSize, err = strconv.Atoi(value)
	case "BLE_ENABLED":
		c.BLEEnabled, err = strconv.ParseBool(value)
	case "DEVICE_NAME":
		c.DeviceName = value
	case "SERIAL_NUMBER":
		c.SerialNumber = value
	case "FIRMWARE_VERSION":
		c.FirmwareVersion = value
	case "API_ADDR":
		c.APIAddr = value
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_TOPIC_PREFIX":
		c.MQTTTopicPrefix = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD":
		c.SerialBaud, err = strconv.Atoi(value)
	case "LOG_LEVEL":
		c.LogLevel = value
	default:
		return fmt.Errorf("unknown setting: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

// New validates c and returns the configuration to run with
func New(c Config) (*Config, error) {
	// Check for environment variable if storage dir not provided
	if c.StorageDir == "" {
		c.StorageDir = os.Getenv("COLLAR_STORAGE_DIR")
	}

	if c.StorageDir == "" {
		return nil, fmt.Errorf("storage dir is required (use -storage-dir flag or COLLAR_STORAGE_DIR environment variable)")
	}

	if err := os.MkdirAll(c.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage dir is not usable: %w", err)
	}

	if c.SampleRate <= 0 || c.SampleRate > 1000 {
		return nil, fmt.Errorf("invalid sample rate: %d (must be 1-1000 Hz)", c.SampleRate)
	}

	if c.ChunkSize <= 0 || c.ChunkSize > 0xFFFF {
		return nil, fmt.Errorf("invalid chunk size: %d (must be 1-65535 records)", c.ChunkSize)
	}

	for name, size := range map[string]int{
		"command queue": c.CommandQueueSize,
		"job queue":     c.JobQueueSize,
		"OTA queue":     c.OTAQueueSize,
	} {
		if size <= 0 {
			return nil, fmt.Errorf("invalid %s size: %d", name, size)
		}
	}

	if c.PollInterval <= 0 {
		return nil, fmt.Errorf("invalid poll interval: %v", c.PollInterval)
	}

	if c.SerialPort != "" && c.SerialBaud <= 0 {
		return nil, fmt.Errorf("invalid serial baud rate: %d", c.SerialBaud)
	}

	if c.MQTTBroker != "" && c.MQTTTopicPrefix == "" {
		return nil, fmt.Errorf("mqtt topic prefix is required when a broker is set")
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn or error)", c.LogLevel)
	}

	return &c, nil
}
