package handler

import (
	"context"
	"fmt"

	"github.com/jwoglom/collarlink/pkg/protocol"
	"github.com/jwoglom/collarlink/pkg/record"
	"github.com/jwoglom/collarlink/pkg/session"

	log "github.com/sirupsen/logrus"
)

// ChunkSender streams one stored chunk to the client
type ChunkSender interface {
	SendChunk(ctx context.Context, kind record.Kind, uid record.UID, chunkID uint16) (int, error)
}

// ContinuousHandler handles StartStopContinuous
type ContinuousHandler struct {
	sessions *session.Manager
}

func NewContinuousHandler(sessions *session.Manager) *ContinuousHandler {
	return &ContinuousHandler{sessions: sessions}
}

func (h *ContinuousHandler) Opcode() protocol.Opcode { return protocol.OpStartStopContinuous }

func (h *ContinuousHandler) HandleCommand(ctx context.Context, req protocol.Request) (*Response, error) {
	r := req.(*protocol.StartStopContinuousRequest)
	uid := record.UID(r.UID)

	var err error
	if r.Start {
		log.Infof("Start continuous %s (rec type 0x%02X)", uid, r.RecType)
		err = h.sessions.StartContinuous(uid, r.RecType)
	} else {
		log.Infof("Stop continuous %s", uid)
		err = h.sessions.StopContinuous(uid)
	}
	if err != nil {
		log.Warnf("Continuous %s: %v", uid, err)
	}
	return ack(h.Opcode(), ackFor(err))
}

// ContinuousStatusHandler reports the state of the continuous session
type ContinuousStatusHandler struct {
	sessions *session.Manager
}

func NewContinuousStatusHandler(sessions *session.Manager) *ContinuousStatusHandler {
	return &ContinuousStatusHandler{sessions: sessions}
}

func (h *ContinuousStatusHandler) Opcode() protocol.Opcode { return protocol.OpGetContinuousStatus }

func (h *ContinuousStatusHandler) HandleCommand(ctx context.Context, req protocol.Request) (*Response, error) {
	r := req.(*protocol.ContinuousSessionRequest)

	st, err := h.sessions.ContinuousStatus(record.UID(r.UID))
	code := ackFor(err)
	b, err := protocol.ContinuousStatusResponse(code, r.UID, uint8(st))
	return frame(b, code, err)
}

// ContinuousDetailsHandler reports rec type and chunk layout of the continuous session
type ContinuousDetailsHandler struct {
	sessions *session.Manager
}

func NewContinuousDetailsHandler(sessions *session.Manager) *ContinuousDetailsHandler {
	return &ContinuousDetailsHandler{sessions: sessions}
}

func (h *ContinuousDetailsHandler) Opcode() protocol.Opcode { return protocol.OpReadContinuousDetails }

func (h *ContinuousDetailsHandler) HandleCommand(ctx context.Context, req protocol.Request) (*Response, error) {
	r := req.(*protocol.ContinuousSessionRequest)

	d, err := h.sessions.ContinuousDetails(record.UID(r.UID))
	code := ackFor(err)
	if err != nil {
		d = session.ContinuousSession{}
	}
	b, err := protocol.ContinuousDetailsResponse(code, r.UID, d.RecType, d.ChunkSize, d.ChunkCount)
	return frame(b, code, err)
}

// ChunkReadHandler validates a chunk request and streams the chunk in the background
type ChunkReadHandler struct {
	sessions *session.Manager
	sender   ChunkSender
	kind     record.Kind
}

// NewChunkReadHandler creates a chunk read-back handler for records of kind
func NewChunkReadHandler(sessions *session.Manager, sender ChunkSender, kind record.Kind) *ChunkReadHandler {
	return &ChunkReadHandler{sessions: sessions, sender: sender, kind: kind}
}

func (h *ChunkReadHandler) Opcode() protocol.Opcode {
	if h.kind == record.KindActivity {
		return protocol.OpReadActivityDataChunk
	}
	return protocol.OpReadRawDataChunk
}

func (h *ChunkReadHandler) HandleCommand(ctx context.Context, req protocol.Request) (*Response, error) {
	r := req.(*protocol.ChunkRequest)
	uid := record.UID(r.UID)

	if err := h.sessions.ValidateChunk(uid, r.ChunkID); err != nil {
		log.Warnf("Rejecting %s chunk %d of %s: %v", h.kind, r.ChunkID, uid, err)
		return ack(h.Opcode(), ackFor(err))
	}
	if h.kind == record.KindActivity {
		if d, _ := h.sessions.ContinuousDetails(uid); d.RecType&session.RecTypeActivity == 0 {
			log.Warnf("Session %s records no activity data", uid)
			return ack(h.Opcode(), protocol.AckNegative)
		}
	}

	resp, err := ack(h.Opcode(), protocol.AckNone)
	if err != nil {
		return nil, err
	}

	kind, chunkID := h.kind, r.ChunkID
	resp.Jobs = []Job{{
		Name:   jobName(h.Opcode(), uid.ChunkName(chunkID)),
		Stream: true,
		Run: func(ctx context.Context) error {
			_, err := h.sender.SendChunk(ctx, kind, uid, chunkID)
			return err
		},
	}}
	return resp, nil
}

// DeleteChunkHandler deletes one finished chunk
type DeleteChunkHandler struct {
	sessions *session.Manager
}

func NewDeleteChunkHandler(sessions *session.Manager) *DeleteChunkHandler {
	return &DeleteChunkHandler{sessions: sessions}
}

func (h *DeleteChunkHandler) Opcode() protocol.Opcode { return protocol.OpDeleteRawDataChunk }

func (h *DeleteChunkHandler) HandleCommand(ctx context.Context, req protocol.Request) (*Response, error) {
	r := req.(*protocol.ChunkRequest)
	uid := record.UID(r.UID)

	err := h.sessions.DeleteChunk(uid, r.ChunkID)
	if err != nil {
		log.Warnf("Delete chunk %d of %s: %v", r.ChunkID, uid, err)
	}
	return ack(h.Opcode(), ackFor(err))
}

// DeleteSessionHandler deletes every file of a session. The delete itself runs
// as a background job after the ack.
type DeleteSessionHandler struct {
	sessions *session.Manager
}

func NewDeleteSessionHandler(sessions *session.Manager) *DeleteSessionHandler {
	return &DeleteSessionHandler{sessions: sessions}
}

func (h *DeleteSessionHandler) Opcode() protocol.Opcode { return protocol.OpDeleteRecordingSession }

func (h *DeleteSessionHandler) HandleCommand(ctx context.Context, req protocol.Request) (*Response, error) {
	r := req.(*protocol.ContinuousSessionRequest)
	uid := record.UID(r.UID)

	if !h.sessions.HasSession(uid) {
		log.Warnf("Delete of unknown session %s", uid)
		return ack(h.Opcode(), protocol.AckNegative)
	}

	resp, err := ack(h.Opcode(), protocol.AckNone)
	if err != nil {
		return nil, err
	}
	resp.Jobs = []Job{{
		Name: jobName(h.Opcode(), uid.String()),
		Run: func(ctx context.Context) error {
			if err := h.sessions.DeleteSession(uid); err != nil {
				return fmt.Errorf("delete session %s: %w", uid, err)
			}
			log.Infof("Session %s deleted", uid)
			return nil
		},
	}}
	return resp, nil
}
