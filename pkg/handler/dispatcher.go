package handler

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

const DefaultQueueSize = 8

var ErrQueueFull = errors.New("command queue full")

// Dispatcher decouples the transport callback from command handling. Frames are
// queued by Enqueue and routed one at a time by Run.
type Dispatcher struct {
	router *Router
	queue  chan []byte

	mutex    sync.Mutex
	enqueued uint64
	rejected uint64
}

// NewDispatcher creates a dispatcher with room for size pending frames
func NewDispatcher(router *Router, size int) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Dispatcher{
		router: router,
		queue:  make(chan []byte, size),
	}
}

// Enqueue copies raw into the queue. It never blocks.
func (d *Dispatcher) Enqueue(raw []byte) error {
	b := append([]byte(nil), raw...)

	d.mutex.Lock()
	defer d.mutex.Unlock()

	select {
	case d.queue <- b:
		d.enqueued++
		return nil
	default:
		d.rejected++
		log.Warnf("Command queue full, dropping %d byte frame", len(raw))
		return ErrQueueFull
	}
}

// Run routes queued frames until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	log.Info("Command dispatcher started")
	for {
		select {
		case raw := <-d.queue:
			if err := d.router.Dispatch(ctx, raw); err != nil {
				log.Debugf("Dispatch: %v", err)
			}
		case <-ctx.Done():
			log.Info("Command dispatcher stopped")
			return
		}
	}
}

// GetStats returns dispatcher statistics
func (d *Dispatcher) GetStats() map[string]interface{} {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return map[string]interface{}{
		"pending":  len(d.queue),
		"enqueued": d.enqueued,
		"rejected": d.rejected,
	}
}
