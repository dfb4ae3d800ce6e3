package api

import (
	"github.com/jwoglom/collarlink/pkg/bluetooth"
	"github.com/jwoglom/collarlink/pkg/handler"
)

// The Server forwards device events to the websocket client.

func (s *Server) NotifyRecordingStarted(uid string, mode string) error {
	s.SendEvent(Event{Type: "recording_started", Detail: map[string]interface{}{"uid": uid, "mode": mode}})
	return nil
}

func (s *Server) NotifyRecordingStopped(uid string, mode string, records uint32) error {
	s.SendEvent(Event{Type: "recording_stopped", Detail: map[string]interface{}{
		"uid":     uid,
		"mode":    mode,
		"records": records,
	}})
	return nil
}

func (s *Server) NotifyRecordDropped(uid string, recordNum uint32, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	s.SendEvent(Event{Type: "record_dropped", Message: msg, Detail: map[string]interface{}{
		"uid":    uid,
		"record": recordNum,
	}})
	return nil
}

func (s *Server) NotifyChunkRollover(uid string, chunkID uint16) error {
	s.SendEvent(Event{Type: "chunk_rollover", Detail: map[string]interface{}{"uid": uid, "chunk": chunkID}})
	return nil
}

func (s *Server) NotifyTransferComplete(name string, kind string, sent int, gaps int, cancelled bool) error {
	s.SendEvent(Event{Type: "transfer_complete", Message: name, Detail: map[string]interface{}{
		"kind":      kind,
		"sent":      sent,
		"gaps":      gaps,
		"cancelled": cancelled,
	}})
	return nil
}

func (s *Server) NotifyFirmwareUpdate(status string, chunks uint32, bytes uint32) error {
	s.SendEvent(Event{Type: "firmware_update", Message: status, Detail: map[string]interface{}{
		"chunks": chunks,
		"bytes":  bytes,
	}})
	return nil
}

// monitoredTransport mirrors outgoing frames to the websocket client
type monitoredTransport struct {
	handler.Transport
	s *Server
}

// Monitor wraps t so every response and notification is reported as a tx event
func (s *Server) Monitor(t handler.Transport) handler.Transport {
	return &monitoredTransport{Transport: t, s: s}
}

func (m *monitoredTransport) Send(b []byte) error {
	m.s.SendFrameEvent("tx", bluetooth.CharRx, b)
	return m.Transport.Send(b)
}

func (m *monitoredTransport) Notify(b []byte) error {
	m.s.SendFrameEvent("tx", bluetooth.CharNotify, b)
	return m.Transport.Notify(b)
}

type loopback struct{}

func (loopback) Send(b []byte) error   { return nil }
func (loopback) Notify(b []byte) error { return nil }
func (loopback) IsConnected() bool     { return true }

// Loopback is a transport whose only peer is the websocket client. It lets a
// collar without a radio be driven entirely through injected frames.
func (s *Server) Loopback() handler.Transport {
	return s.Monitor(loopback{})
}
