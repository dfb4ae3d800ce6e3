package state

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DeviceState is the identity and link state of the collar, plus counters fed
// by the event notifier
type DeviceState struct {
	// Identity
	SerialNumber    string
	Model           string
	FirmwareVersion string
	RadioVersion    string

	StartTime time.Time

	// Link
	Connected   bool
	ConnectedAt time.Time
	Peer        string
	Connections uint32

	// Counters
	RecordingsStarted uint32
	RecordsDropped    uint32
	ChunkRollovers    uint32
	TransfersSent     uint32
	TransfersAborted  uint32
	FirmwareStatus    string

	mutex sync.RWMutex
}

// NewDeviceState creates device state with default identity values
func NewDeviceState(serial string, firmwareVersion string) *DeviceState {
	return &DeviceState{
		SerialNumber:    serial,
		Model:           "Collar IMU v2",
		FirmwareVersion: firmwareVersion,
		StartTime:       time.Now(),
		FirmwareStatus:  "idle",
	}
}

// SetConnected records a central connecting or disconnecting
func (ds *DeviceState) SetConnected(connected bool, peer string) {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	if connected == ds.Connected {
		return
	}
	ds.Connected = connected
	if connected {
		ds.ConnectedAt = time.Now()
		ds.Peer = peer
		ds.Connections++
		log.Infof("Central connected: %s", peer)
		return
	}
	log.Infof("Central disconnected: %s (connected %v)", ds.Peer, time.Since(ds.ConnectedAt).Round(time.Second))
	ds.Peer = ""
}

// IsConnected returns true while a central is connected
func (ds *DeviceState) IsConnected() bool {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()

	return ds.Connected
}

// SetRadioVersion records the version reported by the radio coprocessor
func (ds *DeviceState) SetRadioVersion(version string) {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	ds.RadioVersion = version
}

// GetFirmwareVersion returns the application firmware version
func (ds *DeviceState) GetFirmwareVersion() string {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()

	return ds.FirmwareVersion
}

// Uptime returns the time since the device started
func (ds *DeviceState) Uptime() time.Duration {
	return time.Since(ds.StartTime)
}

// Snapshot returns a copy of the state for monitoring
func (ds *DeviceState) Snapshot() map[string]interface{} {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()

	return map[string]interface{}{
		"serialNumber":      ds.SerialNumber,
		"model":             ds.Model,
		"firmwareVersion":   ds.FirmwareVersion,
		"radioVersion":      ds.RadioVersion,
		"uptimeSeconds":     uint32(time.Since(ds.StartTime).Seconds()),
		"connected":         ds.Connected,
		"peer":              ds.Peer,
		"connections":       ds.Connections,
		"recordingsStarted": ds.RecordingsStarted,
		"recordsDropped":    ds.RecordsDropped,
		"chunkRollovers":    ds.ChunkRollovers,
		"transfersSent":     ds.TransfersSent,
		"transfersAborted":  ds.TransfersAborted,
		"firmwareStatus":    ds.FirmwareStatus,
	}
}

// NotifyRecordingStarted and the other notifier methods keep the event counters
func (ds *DeviceState) NotifyRecordingStarted(uid string, mode string) error {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()
	ds.RecordingsStarted++
	return nil
}

func (ds *DeviceState) NotifyRecordingStopped(uid string, mode string, records uint32) error {
	return nil
}

func (ds *DeviceState) NotifyRecordDropped(uid string, recordNum uint32, reason error) error {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()
	ds.RecordsDropped++
	return nil
}

func (ds *DeviceState) NotifyChunkRollover(uid string, chunkID uint16) error {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()
	ds.ChunkRollovers++
	return nil
}

func (ds *DeviceState) NotifyTransferComplete(name string, kind string, sent int, gaps int, cancelled bool) error {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()
	if cancelled {
		ds.TransfersAborted++
	} else {
		ds.TransfersSent++
	}
	return nil
}

func (ds *DeviceState) NotifyFirmwareUpdate(status string, chunks uint32, bytes uint32) error {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()
	ds.FirmwareStatus = status
	return nil
}
