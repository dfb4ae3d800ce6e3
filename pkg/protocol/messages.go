package protocol

import (
	"encoding/binary"
	"fmt"
)

// UIDSize is the length of a raw session identifier
const UIDSize = 8

// Request is the decoded payload of one command. Each opcode has its own layout.
type Request interface {
	Opcode() Opcode
	// Payload serializes the request back into its wire layout
	Payload() []byte
}

// StartStopRecordingRequest starts or stops the primary recording session
// Layout: start_stop(1) | uid(8)
type StartStopRecordingRequest struct {
	Start bool
	UID   [UIDSize]byte
}

func (r *StartStopRecordingRequest) Opcode() Opcode { return OpStartStopRecording }

func (r *StartStopRecordingRequest) Payload() []byte {
	b := make([]byte, 1+UIDSize)
	b[0] = boolByte(r.Start)
	copy(b[1:], r.UID[:])
	return b
}

// SessionDetailsRequest asks for the record count of a session file
// Layout: uid(8) | reserved(1)
type SessionDetailsRequest struct {
	Activity bool
	UID      [UIDSize]byte
}

func (r *SessionDetailsRequest) Opcode() Opcode {
	if r.Activity {
		return OpReadSessionDetailsActivity
	}
	return OpReadSessionDetailsRawIMU
}

func (r *SessionDetailsRequest) Payload() []byte {
	b := make([]byte, UIDSize+1)
	copy(b, r.UID[:])
	return b
}

// SessionDataRequest reads one record by number
// Layout: uid(8) | reserved(3) | record_num(2, BE)
type SessionDataRequest struct {
	Activity  bool
	UID       [UIDSize]byte
	RecordNum uint16
}

func (r *SessionDataRequest) Opcode() Opcode {
	if r.Activity {
		return OpReadSessionDataActivity
	}
	return OpReadSessionDataRawIMU
}

func (r *SessionDataRequest) Payload() []byte {
	b := make([]byte, UIDSize+3+2)
	copy(b, r.UID[:])
	binary.BigEndian.PutUint16(b[UIDSize+3:], r.RecordNum)
	return b
}

// StartStopContinuousRequest controls the continuous recording track
// Layout: start_stop(1) | rec_type(1) | uid(8)
type StartStopContinuousRequest struct {
	Start   bool
	RecType uint8
	UID     [UIDSize]byte
}

func (r *StartStopContinuousRequest) Opcode() Opcode { return OpStartStopContinuous }

func (r *StartStopContinuousRequest) Payload() []byte {
	b := make([]byte, 2+UIDSize)
	b[0] = boolByte(r.Start)
	b[1] = r.RecType
	copy(b[2:], r.UID[:])
	return b
}

// LiveRawIMURequest toggles live streaming of raw IMU records
// Layout: start_stop(1)
type LiveRawIMURequest struct {
	Start bool
}

func (r *LiveRawIMURequest) Opcode() Opcode { return OpStartStopLiveRawIMU }

func (r *LiveRawIMURequest) Payload() []byte { return []byte{boolByte(r.Start)} }

// ContinuousSessionRequest addresses the continuous session by UID. It is shared by
// the status, details and delete-session opcodes.
// Layout: uid(8) | reserved(1)
type ContinuousSessionRequest struct {
	Op  Opcode
	UID [UIDSize]byte
}

func (r *ContinuousSessionRequest) Opcode() Opcode { return r.Op }

func (r *ContinuousSessionRequest) Payload() []byte {
	b := make([]byte, UIDSize+1)
	copy(b, r.UID[:])
	return b
}

// ChunkRequest addresses one chunk of the continuous session. It is shared by the
// raw read, activity read and delete opcodes.
// Layout: uid(8) | reserved(1) | chunk_id(2, BE)
type ChunkRequest struct {
	Op      Opcode
	UID     [UIDSize]byte
	ChunkID uint16
}

func (r *ChunkRequest) Opcode() Opcode { return r.Op }

func (r *ChunkRequest) Payload() []byte {
	b := make([]byte, UIDSize+1+2)
	copy(b, r.UID[:])
	binary.BigEndian.PutUint16(b[UIDSize+1:], r.ChunkID)
	return b
}

// minPayload lists the payload length each opcode requires
var minPayload = map[Opcode]int{
	OpStartStopRecording:         1 + UIDSize,
	OpReadSessionDetailsRawIMU:   UIDSize + 1,
	OpReadSessionDataRawIMU:      UIDSize + 3 + 2,
	OpReadSessionDetailsActivity: UIDSize + 1,
	OpReadSessionDataActivity:    UIDSize + 3 + 2,
	OpStartStopContinuous:        2 + UIDSize,
	OpStartStopLiveRawIMU:        1,
	OpGetContinuousStatus:        UIDSize + 1,
	OpReadContinuousDetails:      UIDSize + 1,
	OpReadRawDataChunk:           UIDSize + 1 + 2,
	OpDeleteRawDataChunk:         UIDSize + 1 + 2,
	OpDeleteRecordingSession:     UIDSize + 1,
	OpReadActivityDataChunk:      UIDSize + 1 + 2,
}

// KnownOpcode reports whether op has a request layout
func KnownOpcode(op Opcode) bool {
	_, ok := minPayload[op]
	return ok
}

// DecodeRequest parses the payload of f into the request type of its opcode
func DecodeRequest(f *Frame) (Request, error) {
	need, ok := minPayload[f.Cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, f.Cmd)
	}
	p := f.Payload
	if len(p) < need {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, f.Cmd, need, len(p))
	}

	switch f.Cmd {
	case OpStartStopRecording:
		r := &StartStopRecordingRequest{Start: p[0] != 0}
		copy(r.UID[:], p[1:])
		return r, nil

	case OpReadSessionDetailsRawIMU, OpReadSessionDetailsActivity:
		r := &SessionDetailsRequest{Activity: f.Cmd == OpReadSessionDetailsActivity}
		copy(r.UID[:], p)
		return r, nil

	case OpReadSessionDataRawIMU, OpReadSessionDataActivity:
		r := &SessionDataRequest{
			Activity:  f.Cmd == OpReadSessionDataActivity,
			RecordNum: binary.BigEndian.Uint16(p[UIDSize+3:]),
		}
		copy(r.UID[:], p)
		return r, nil

	case OpStartStopContinuous:
		r := &StartStopContinuousRequest{Start: p[0] != 0, RecType: p[1]}
		copy(r.UID[:], p[2:])
		return r, nil

	case OpStartStopLiveRawIMU:
		return &LiveRawIMURequest{Start: p[0] != 0}, nil

	case OpGetContinuousStatus, OpReadContinuousDetails, OpDeleteRecordingSession:
		r := &ContinuousSessionRequest{Op: f.Cmd}
		copy(r.UID[:], p)
		return r, nil

	default: // chunk requests
		r := &ChunkRequest{Op: f.Cmd, ChunkID: binary.BigEndian.Uint16(p[UIDSize+1:])}
		copy(r.UID[:], p)
		return r, nil
	}
}

// AckResponse builds the common full-header response: ack(1) | reserved(1)
func AckResponse(op Opcode, ack Ack) ([]byte, error) {
	return Encode(NewReport(op, []byte{byte(ack), 0}))
}

// SessionDetailsResponse layout: ack(1) | uid(8) | num_records(2, BE)
func SessionDetailsResponse(op Opcode, ack Ack, uid [UIDSize]byte, numRecords uint16) ([]byte, error) {
	p := make([]byte, 1+UIDSize+2)
	p[0] = byte(ack)
	copy(p[1:], uid[:])
	binary.BigEndian.PutUint16(p[1+UIDSize:], numRecords)
	return Encode(NewReport(op, p))
}

// ContinuousStatusResponse layout: ack(1) | uid(8) | reserved(1) | status(1)
func ContinuousStatusResponse(ack Ack, uid [UIDSize]byte, status uint8) ([]byte, error) {
	p := make([]byte, 1+UIDSize+2)
	p[0] = byte(ack)
	copy(p[1:], uid[:])
	p[1+UIDSize+1] = status
	return Encode(NewReport(OpGetContinuousStatus, p))
}

// ContinuousDetailsResponse layout:
// ack(1) | uid(8) | reserved(1) | rec_type(1) | chunk_size(2, BE) | chunk_count(2, BE)
func ContinuousDetailsResponse(ack Ack, uid [UIDSize]byte, recType uint8, chunkSize, chunkCount uint16) ([]byte, error) {
	p := make([]byte, 1+UIDSize+2+4)
	p[0] = byte(ack)
	copy(p[1:], uid[:])
	p[1+UIDSize+1] = recType
	binary.BigEndian.PutUint16(p[1+UIDSize+2:], chunkSize)
	binary.BigEndian.PutUint16(p[1+UIDSize+4:], chunkCount)
	return Encode(NewReport(OpReadContinuousDetails, p))
}

// RecordResponse wraps a serialized record in the legacy shape
func RecordResponse(record []byte) []byte {
	return EncodeLegacy(record)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
