package handler

import (
	"context"
	"fmt"

	"github.com/jwoglom/collarlink/pkg/protocol"
	"github.com/jwoglom/collarlink/pkg/record"
	"github.com/jwoglom/collarlink/pkg/session"

	log "github.com/sirupsen/logrus"
)

// RecordingHandler handles StartStopRecording. With eraseOnStart the start is
// deferred to the session poller, which erases storage first, and the command
// is acknowledged straight away.
type RecordingHandler struct {
	sessions     *session.Manager
	eraseOnStart bool
}

// NewRecordingHandler creates a new primary recording handler
func NewRecordingHandler(sessions *session.Manager, eraseOnStart bool) *RecordingHandler {
	return &RecordingHandler{sessions: sessions, eraseOnStart: eraseOnStart}
}

func (h *RecordingHandler) Opcode() protocol.Opcode { return protocol.OpStartStopRecording }

func (h *RecordingHandler) HandleCommand(ctx context.Context, req protocol.Request) (*Response, error) {
	r := req.(*protocol.StartStopRecordingRequest)
	uid := record.UID(r.UID)

	if !r.Start {
		log.Infof("Stop recording %s", uid)
		return ack(h.Opcode(), ackFor(h.sessions.Stop()))
	}

	if h.eraseOnStart {
		log.Infof("Start recording %s after erase", uid)
		h.sessions.RequestStart(uid)
		return ack(h.Opcode(), protocol.AckNone)
	}

	log.Infof("Start recording %s", uid)
	err := h.sessions.Start(uid)
	if err != nil {
		log.Errorf("Failed to start %s: %v", uid, err)
	}
	return ack(h.Opcode(), ackFor(err))
}

// SessionDetailsHandler reports the record count of a raw or activity file
type SessionDetailsHandler struct {
	sessions *session.Manager
	kind     record.Kind
}

// NewSessionDetailsHandler creates a details handler for records of kind
func NewSessionDetailsHandler(sessions *session.Manager, kind record.Kind) *SessionDetailsHandler {
	return &SessionDetailsHandler{sessions: sessions, kind: kind}
}

func (h *SessionDetailsHandler) Opcode() protocol.Opcode {
	if h.kind == record.KindActivity {
		return protocol.OpReadSessionDetailsActivity
	}
	return protocol.OpReadSessionDetailsRawIMU
}

func (h *SessionDetailsHandler) HandleCommand(ctx context.Context, req protocol.Request) (*Response, error) {
	r := req.(*protocol.SessionDetailsRequest)
	uid := record.UID(r.UID)

	// any count failure is a NACK with no records
	code := protocol.AckNone
	n, err := h.sessions.RecordCount(h.kind, uid)
	if err != nil {
		log.Warnf("No %s records for %s: %v", h.kind, uid, err)
		code = protocol.AckNegative
		n = 0
	}
	if n > 0xFFFF {
		log.Warnf("%s has %d %s records, reporting 65535", uid, n, h.kind)
		n = 0xFFFF
	}
	log.Debugf("%s %s records: %d", uid, h.kind, n)

	b, err := protocol.SessionDetailsResponse(h.Opcode(), code, r.UID, uint16(n))
	return frame(b, code, err)
}

// SessionDataHandler reads one record. A found record goes back in the legacy
// shape, a missing one as a full-header NACK.
type SessionDataHandler struct {
	sessions *session.Manager
	kind     record.Kind
}

// NewSessionDataHandler creates a record read handler for records of kind
func NewSessionDataHandler(sessions *session.Manager, kind record.Kind) *SessionDataHandler {
	return &SessionDataHandler{sessions: sessions, kind: kind}
}

func (h *SessionDataHandler) Opcode() protocol.Opcode {
	if h.kind == record.KindActivity {
		return protocol.OpReadSessionDataActivity
	}
	return protocol.OpReadSessionDataRawIMU
}

func (h *SessionDataHandler) HandleCommand(ctx context.Context, req protocol.Request) (*Response, error) {
	r := req.(*protocol.SessionDataRequest)
	uid := record.UID(r.UID)

	b, err := h.sessions.ReadRecord(h.kind, uid, int(r.RecordNum))
	if err != nil {
		log.Warnf("Read %s record %s[%d]: %v", h.kind, uid, r.RecordNum, err)
		return ack(h.Opcode(), ackFor(err))
	}

	log.Tracef("Read %s record %s[%d]", h.kind, uid, r.RecordNum)
	return &Response{Frame: protocol.RecordResponse(b), Ack: protocol.AckNone}, nil
}

// LiveHandler toggles live raw IMU streaming. Completed records are pushed to
// link in the legacy shape as they are produced.
type LiveHandler struct {
	sessions *session.Manager
	link     Transport
}

// NewLiveHandler creates a live streaming handler notifying on link
func NewLiveHandler(sessions *session.Manager, link Transport) *LiveHandler {
	return &LiveHandler{sessions: sessions, link: link}
}

func (h *LiveHandler) Opcode() protocol.Opcode { return protocol.OpStartStopLiveRawIMU }

func (h *LiveHandler) HandleCommand(ctx context.Context, req protocol.Request) (*Response, error) {
	r := req.(*protocol.LiveRawIMURequest)

	if !r.Start {
		return ack(h.Opcode(), ackFor(h.sessions.StopLive()))
	}

	err := h.sessions.StartLive(func(b []byte) {
		if !h.link.IsConnected() {
			return
		}
		if err := h.link.Notify(protocol.EncodeLegacy(b)); err != nil {
			log.Warnf("Live record not sent: %v", err)
		}
	})
	if err != nil {
		log.Errorf("Failed to start live streaming: %v", err)
	}
	return ack(h.Opcode(), ackFor(err))
}

// Options select optional command behavior
type Options struct {
	// EraseOnStart defers StartStopRecording starts until storage is erased
	EraseOnStart bool
}

// RegisterDefaults registers a handler for every supported opcode
func RegisterDefaults(r *Router, sessions *session.Manager, sender ChunkSender, opts Options) {
	r.RegisterHandler(NewRecordingHandler(sessions, opts.EraseOnStart))
	r.RegisterHandler(NewSessionDetailsHandler(sessions, record.KindRawIMU))
	r.RegisterHandler(NewSessionDataHandler(sessions, record.KindRawIMU))
	r.RegisterHandler(NewSessionDetailsHandler(sessions, record.KindActivity))
	r.RegisterHandler(NewSessionDataHandler(sessions, record.KindActivity))
	r.RegisterHandler(NewLiveHandler(sessions, r.transport))

	r.RegisterHandler(NewContinuousHandler(sessions))
	r.RegisterHandler(NewContinuousStatusHandler(sessions))
	r.RegisterHandler(NewContinuousDetailsHandler(sessions))
	r.RegisterHandler(NewChunkReadHandler(sessions, sender, record.KindRawIMU))
	r.RegisterHandler(NewChunkReadHandler(sessions, sender, record.KindActivity))
	r.RegisterHandler(NewDeleteChunkHandler(sessions))
	r.RegisterHandler(NewDeleteSessionHandler(sessions))

	log.Infof("Registered %d command handlers", len(r.handlers))
}

func jobName(op protocol.Opcode, subject string) string {
	return fmt.Sprintf("%s %s", op, subject)
}
