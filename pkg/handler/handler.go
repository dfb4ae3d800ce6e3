// Package handler decodes incoming commands and routes them to per-opcode
// handlers backed by the session manager and the chunk sender.
package handler

import (
	"context"
	"errors"

	"github.com/jwoglom/collarlink/pkg/protocol"
	"github.com/jwoglom/collarlink/pkg/session"
	"github.com/jwoglom/collarlink/pkg/storage"
)

// Transport is the link commands arrive on and responses leave by
type Transport interface {
	// Send writes a response to the read characteristic
	Send(b []byte) error
	// Notify pushes an unsolicited frame (streamed records)
	Notify(b []byte) error
	IsConnected() bool
}

// CommandHandler handles one opcode
type CommandHandler interface {
	Opcode() protocol.Opcode
	HandleCommand(ctx context.Context, req protocol.Request) (*Response, error)
}

// Response is what a handler asks the router to do
type Response struct {
	// Frame is sent to the client before any job starts
	Frame []byte
	// Ack is the code carried by Frame, AckNone for legacy records
	Ack protocol.Ack
	// Jobs run in the background after the response is sent
	Jobs []Job
}

// Job is background work started by a command
type Job struct {
	Name string
	// Stream marks a chunk read-back. A new stream cancels the one in flight.
	Stream bool
	Run    func(ctx context.Context) error
}

// ackFor maps a session or storage error to its acknowledgement code
func ackFor(err error) protocol.Ack {
	switch {
	case err == nil:
		return protocol.AckNone
	case errors.Is(err, session.ErrHardwareFailure):
		return protocol.AckSlaveDeviceFailure
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrRecordNotFound),
		errors.Is(err, session.ErrInvalidChunk),
		errors.Is(err, session.ErrChunkNotFound),
		errors.Is(err, session.ErrChunkBusy),
		errors.Is(err, session.ErrChunkLimit),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrRecordNotFound),
		errors.Is(err, protocol.ErrShortPayload):
		return protocol.AckNegative
	default:
		return protocol.AckStorageFailure
	}
}

// ack builds the common ack/reserved response
func ack(op protocol.Opcode, code protocol.Ack) (*Response, error) {
	b, err := protocol.AckResponse(op, code)
	if err != nil {
		return nil, err
	}
	return &Response{Frame: b, Ack: code}, nil
}

func frame(b []byte, code protocol.Ack, err error) (*Response, error) {
	if err != nil {
		return nil, err
	}
	return &Response{Frame: b, Ack: code}, nil
}
