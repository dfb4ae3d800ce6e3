package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jwoglom/collarlink/pkg/state"
)

var _ state.EventNotifier = (*Notifier)(nil)

type message struct {
	topic    string
	retained bool
	payload  map[string]interface{}
}

type fakePublisher struct {
	mutex    sync.Mutex
	messages []message
	err      error
}

func (f *fakePublisher) Publish(topic string, retained bool, payload []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		return f.err
	}
	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return err
	}
	f.messages = append(f.messages, message{topic, retained, body})
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.messages)
}

// TestNotifierTopics tests topic naming and payload fields per event
func TestNotifierTopics(t *testing.T) {
	tests := []struct {
		name  string
		fire  func(n *Notifier) error
		topic string
		key   string
		want  interface{}
	}{
		{"started", func(n *Notifier) error { return n.NotifyRecordingStarted("aa", "primary") }, "collar/event/recording_started", "mode", "primary"},
		{"stopped", func(n *Notifier) error { return n.NotifyRecordingStopped("aa", "primary", 45) }, "collar/event/recording_stopped", "records", float64(45)},
		{"dropped", func(n *Notifier) error { return n.NotifyRecordDropped("aa", 7, errors.New("disk full")) }, "collar/event/record_dropped", "reason", "disk full"},
		{"rollover", func(n *Notifier) error { return n.NotifyChunkRollover("aa", 2) }, "collar/event/chunk_rollover", "chunk", float64(2)},
		{"transfer", func(n *Notifier) error { return n.NotifyTransferComplete("chunk", "raw", 3, 1, true) }, "collar/event/transfer_complete", "cancelled", true},
		{"firmware", func(n *Notifier) error { return n.NotifyFirmwareUpdate("complete", 4, 1024) }, "collar/event/firmware_update", "status", "complete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			n := NewNotifier(pub, "")
			if err := tt.fire(n); err != nil {
				t.Fatalf("Notify failed: %v", err)
			}
			if len(pub.messages) != 1 {
				t.Fatalf("Expected 1 message, got %d", len(pub.messages))
			}
			msg := pub.messages[0]
			if msg.topic != tt.topic {
				t.Errorf("Expected topic %s, got %s", tt.topic, msg.topic)
			}
			if msg.retained {
				t.Error("Events should not be retained")
			}
			if msg.payload[tt.key] != tt.want {
				t.Errorf("Expected %s=%v, got %v", tt.key, tt.want, msg.payload[tt.key])
			}
		})
	}
}

// TestNotifierFailure tests that publish errors surface and are counted
func TestNotifierFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker gone")}
	n := NewNotifier(pub, "pet/rex")

	if err := n.NotifyChunkRollover("aa", 1); err == nil {
		t.Fatal("Expected error")
	}
	stats := n.GetStats()
	if stats["failed"] != uint64(1) || stats["published"] != uint64(0) {
		t.Errorf("Unexpected stats: %v", stats)
	}
}

// TestRunStatus tests retained status publishing until cancelled
func TestRunStatus(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "pet")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.RunStatus(ctx, 5*time.Millisecond, func() map[string]interface{} {
			return map[string]interface{}{"connected": false}
		})
		close(done)
	}()

	deadline := time.After(time.Second)
	for pub.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("Status not published")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	pub.mutex.Lock()
	defer pub.mutex.Unlock()
	if pub.messages[0].topic != "pet/status" || !pub.messages[0].retained {
		t.Errorf("Unexpected status message: %+v", pub.messages[0])
	}
}
