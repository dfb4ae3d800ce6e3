// Package session owns the recording state of the device: the primary session,
// the continuous chunked track and live streaming.
package session

import (
	"errors"
	"fmt"

	"github.com/jwoglom/collarlink/pkg/record"
	"github.com/jwoglom/collarlink/pkg/storage"
)

var (
	ErrHardwareFailure = errors.New("sample source could not be enabled")
	ErrSessionNotFound = errors.New("session not found")
	ErrRecordNotFound  = errors.New("record not found")
	ErrInvalidChunk    = errors.New("chunk id out of range")
	ErrChunkNotFound   = errors.New("chunk not found")
	ErrChunkBusy       = errors.New("chunk is being recorded")
	ErrChunkLimit      = errors.New("continuous session has no chunk ids left")
)

// Mode says what the sample source currently feeds
type Mode int

const (
	ModeIdle Mode = iota
	ModePrimary
	ModeContinuous
	ModeLive
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePrimary:
		return "primary"
	case ModeContinuous:
		return "continuous"
	case ModeLive:
		return "live"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ContinuousStatus is the lifecycle state of the continuous session
type ContinuousStatus uint8

const (
	ContinuousReserved   ContinuousStatus = 0
	ContinuousInProgress ContinuousStatus = 1
	ContinuousStopped    ContinuousStatus = 2
	ContinuousNotFound   ContinuousStatus = 3
)

func (s ContinuousStatus) String() string {
	switch s {
	case ContinuousReserved:
		return "reserved"
	case ContinuousInProgress:
		return "in_progress"
	case ContinuousStopped:
		return "stopped"
	case ContinuousNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("ContinuousStatus(%d)", uint8(s))
	}
}

// Continuous recording defaults
const (
	RecTypeRawIMU    uint8 = 0x01
	RecTypeActivity  uint8 = 0x02
	DefaultChunkSize       = 900
)

// ContinuousSession describes the continuous chunked track
type ContinuousSession struct {
	UID        record.UID
	Status     ContinuousStatus
	RecType    uint8
	ChunkSize  uint16
	ChunkCount uint16
}

// recording is the set of open files that completed records are appended to.
// The raw file is always present; the activity file is optional.
type recording struct {
	gen     uint64
	mode    Mode
	uid     record.UID
	name    string // file name, the uid for primary and uid+chunk for continuous
	raw     storage.Handle
	act     storage.Handle
	hasAct  bool
	nextRaw uint32
	nextAct uint32
	written uint32 // records written to this file since it was opened
	live    func([]byte)
}

// Status is a snapshot of the manager for monitoring
type Status struct {
	Mode         string            `json:"mode"`
	UID          string            `json:"uid,omitempty"`
	File         string            `json:"file,omitempty"`
	NextRecord   uint32            `json:"nextRecord"`
	PendingStart string            `json:"pendingStart,omitempty"`
	Dropped      uint32            `json:"droppedRecords"`
	Continuous   ContinuousSession `json:"continuous"`
}
