package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jwoglom/collarlink/pkg/protocol"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNotCommand   = errors.New("frame is not a command to the device")
	ErrDisconnected = errors.New("transport not connected")
)

// Router routes commands to the handler registered for their opcode
type Router struct {
	handlers  map[protocol.Opcode]CommandHandler
	transport Transport
	jobs      *JobRunner

	mutex      sync.Mutex
	dispatched uint64
	dropped    uint64
	nacked     uint64
}

// NewRouter creates a router answering on transport. Jobs returned by handlers
// are submitted to jobs.
func NewRouter(transport Transport, jobs *JobRunner) *Router {
	return &Router{
		handlers:  make(map[protocol.Opcode]CommandHandler),
		transport: transport,
		jobs:      jobs,
	}
}

// RegisterHandler registers a command handler, replacing any previous one for
// the same opcode
func (r *Router) RegisterHandler(handler CommandHandler) {
	op := handler.Opcode()
	r.handlers[op] = handler
	log.Debugf("Registered handler: %s (0x%02X)", op, uint8(op))
}

// Dispatch validates one received frame, runs its handler, sends exactly one
// response and then starts any background jobs. Frames with a bad checksum,
// wrong direction or unknown opcode are dropped without a response.
func (r *Router) Dispatch(ctx context.Context, raw []byte) error {
	protocol.LogFrame("RX", raw)

	f, err := protocol.Decode(raw)
	if err != nil {
		r.drop("%v", err)
		return err
	}
	if f.Start != protocol.StartToDevice || f.Type != protocol.FrameCommand {
		r.drop("start 0x%02X type 0x%02X", uint8(f.Start), uint8(f.Type))
		return ErrNotCommand
	}

	handler, exists := r.handlers[f.Cmd]
	if !exists {
		r.drop("no handler for %s", f.Cmd)
		return fmt.Errorf("%w: %s", protocol.ErrUnknownOpcode, f.Cmd)
	}

	log.Debugf("Routing %s: %d byte payload", f.Cmd, len(f.Payload))

	var resp *Response
	req, err := protocol.DecodeRequest(f)
	if err != nil {
		log.Warnf("Malformed %s: %v", f.Cmd, err)
		resp, err = ack(f.Cmd, protocol.AckNegative)
	} else {
		resp, err = handler.HandleCommand(ctx, req)
		if err != nil {
			log.Errorf("Handler error for %s: %v", f.Cmd, err)
			resp, err = ack(f.Cmd, ackFor(err))
		} else if resp == nil {
			resp, err = ack(f.Cmd, protocol.AckNone)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to build %s response: %w", f.Cmd, err)
	}

	r.mutex.Lock()
	r.dispatched++
	if resp.Ack == protocol.AckNegative {
		r.nacked++
	}
	r.mutex.Unlock()

	if err := r.send(resp.Frame); err != nil {
		return fmt.Errorf("failed to send %s response: %w", f.Cmd, err)
	}

	for _, job := range resp.Jobs {
		if r.jobs == nil {
			log.Warnf("No job runner, dropping %s", job.Name)
			continue
		}
		if err := r.jobs.Submit(job); err != nil {
			log.Errorf("Failed to start %s: %v", job.Name, err)
		}
	}
	return nil
}

func (r *Router) send(b []byte) error {
	if !r.transport.IsConnected() {
		return ErrDisconnected
	}
	protocol.LogFrame("TX", b)
	return r.transport.Send(b)
}

func (r *Router) drop(format string, args ...interface{}) {
	r.mutex.Lock()
	r.dropped++
	r.mutex.Unlock()
	log.Warnf("Dropping frame: "+format, args...)
}

// GetStats returns router statistics
func (r *Router) GetStats() map[string]interface{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return map[string]interface{}{
		"registeredHandlers": len(r.handlers),
		"dispatched":         r.dispatched,
		"dropped":            r.dropped,
		"nacked":             r.nacked,
	}
}
