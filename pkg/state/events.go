package state

import (
	log "github.com/sirupsen/logrus"
)

// EventNotifier is told about device events worth surfacing outside the protocol engine.
// This lets the session and transfer packages report without depending on any transport.
type EventNotifier interface {
	// NotifyRecordingStarted notifies that samples are flowing into a session
	NotifyRecordingStarted(uid string, mode string) error

	// NotifyRecordingStopped notifies that a session was closed
	NotifyRecordingStopped(uid string, mode string, records uint32) error

	// NotifyRecordDropped notifies that a completed record could not be stored
	NotifyRecordDropped(uid string, recordNum uint32, reason error) error

	// NotifyChunkRollover notifies that a continuous session moved to a new chunk
	NotifyChunkRollover(uid string, chunkID uint16) error

	// NotifyTransferComplete notifies that a chunk read-back finished or was cancelled
	NotifyTransferComplete(name string, kind string, sent int, gaps int, cancelled bool) error

	// NotifyFirmwareUpdate notifies about OTA progress; status is one of the transfer OTA states
	NotifyFirmwareUpdate(status string, chunks uint32, bytes uint32) error
}

// NoOpEventNotifier is a no-op implementation of EventNotifier
type NoOpEventNotifier struct{}

func (n *NoOpEventNotifier) NotifyRecordingStarted(uid string, mode string) error { return nil }

func (n *NoOpEventNotifier) NotifyRecordingStopped(uid string, mode string, records uint32) error {
	return nil
}

func (n *NoOpEventNotifier) NotifyRecordDropped(uid string, recordNum uint32, reason error) error {
	return nil
}

func (n *NoOpEventNotifier) NotifyChunkRollover(uid string, chunkID uint16) error { return nil }

func (n *NoOpEventNotifier) NotifyTransferComplete(name string, kind string, sent int, gaps int, cancelled bool) error {
	return nil
}

func (n *NoOpEventNotifier) NotifyFirmwareUpdate(status string, chunks uint32, bytes uint32) error {
	return nil
}

// MultiEventNotifier fans every event out to several notifiers. A failing
// notifier is logged and does not stop the others.
type MultiEventNotifier []EventNotifier

func (m MultiEventNotifier) each(event string, fn func(EventNotifier) error) error {
	var first error
	for _, n := range m {
		if err := fn(n); err != nil {
			log.Warnf("Event notifier %T failed on %s: %v", n, event, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (m MultiEventNotifier) NotifyRecordingStarted(uid string, mode string) error {
	return m.each("recording_started", func(n EventNotifier) error { return n.NotifyRecordingStarted(uid, mode) })
}

func (m MultiEventNotifier) NotifyRecordingStopped(uid string, mode string, records uint32) error {
	return m.each("recording_stopped", func(n EventNotifier) error { return n.NotifyRecordingStopped(uid, mode, records) })
}

func (m MultiEventNotifier) NotifyRecordDropped(uid string, recordNum uint32, reason error) error {
	return m.each("record_dropped", func(n EventNotifier) error { return n.NotifyRecordDropped(uid, recordNum, reason) })
}

func (m MultiEventNotifier) NotifyChunkRollover(uid string, chunkID uint16) error {
	return m.each("chunk_rollover", func(n EventNotifier) error { return n.NotifyChunkRollover(uid, chunkID) })
}

func (m MultiEventNotifier) NotifyTransferComplete(name string, kind string, sent int, gaps int, cancelled bool) error {
	return m.each("transfer_complete", func(n EventNotifier) error {
		return n.NotifyTransferComplete(name, kind, sent, gaps, cancelled)
	})
}

func (m MultiEventNotifier) NotifyFirmwareUpdate(status string, chunks uint32, bytes uint32) error {
	return m.each("firmware_update", func(n EventNotifier) error { return n.NotifyFirmwareUpdate(status, chunks, bytes) })
}
