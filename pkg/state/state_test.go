package state

import (
	"errors"
	"testing"
)

// TestDeviceState_Connection tests connect/disconnect tracking
func TestDeviceState_Connection(t *testing.T) {
	ds := NewDeviceState("C0114", "1.4.2")

	if ds.IsConnected() {
		t.Fatal("New device should not be connected")
	}

	ds.SetConnected(true, "aa:bb:cc:dd:ee:ff")
	ds.SetConnected(true, "aa:bb:cc:dd:ee:ff")
	if !ds.IsConnected() {
		t.Fatal("Expected connected")
	}
	if ds.Connections != 1 {
		t.Errorf("Repeated connect should count once, got %d", ds.Connections)
	}

	ds.SetConnected(false, "")
	snap := ds.Snapshot()
	if snap["connected"].(bool) || snap["peer"].(string) != "" {
		t.Errorf("Unexpected snapshot after disconnect: %v", snap)
	}
	if snap["firmwareVersion"].(string) != "1.4.2" {
		t.Errorf("Expected firmware version 1.4.2, got %v", snap["firmwareVersion"])
	}
}

// TestDeviceState_Counters tests that events update the counters
func TestDeviceState_Counters(t *testing.T) {
	ds := NewDeviceState("C0114", "1.4.2")
	var n EventNotifier = ds

	n.NotifyRecordingStarted("0001", "primary")
	n.NotifyRecordDropped("0001", 4, errors.New("flash write error"))
	n.NotifyChunkRollover("0001", 2)
	n.NotifyTransferComplete("000101", "raw", 900, 0, false)
	n.NotifyTransferComplete("000102", "raw", 12, 0, true)
	n.NotifyFirmwareUpdate("loading", 50, 12800)

	tests := []struct {
		key  string
		want interface{}
	}{
		{"recordingsStarted", uint32(1)},
		{"recordsDropped", uint32(1)},
		{"chunkRollovers", uint32(1)},
		{"transfersSent", uint32(1)},
		{"transfersAborted", uint32(1)},
		{"firmwareStatus", "loading"},
	}
	snap := ds.Snapshot()
	for _, tt := range tests {
		if snap[tt.key] != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.key, tt.want, snap[tt.key])
		}
	}
}

type failingNotifier struct {
	NoOpEventNotifier
	calls int
}

func (f *failingNotifier) NotifyChunkRollover(uid string, chunkID uint16) error {
	f.calls++
	return errors.New("broker unavailable")
}

// TestMultiEventNotifier tests that one failing notifier does not stop the rest
func TestMultiEventNotifier(t *testing.T) {
	failing := &failingNotifier{}
	ds := NewDeviceState("C0114", "1.4.2")
	multi := MultiEventNotifier{failing, ds}

	if err := multi.NotifyChunkRollover("0001", 3); err == nil {
		t.Error("Expected the first failure to be returned")
	}
	if failing.calls != 1 || ds.ChunkRollovers != 1 {
		t.Errorf("Expected both notifiers called, got %d and %d", failing.calls, ds.ChunkRollovers)
	}
}
