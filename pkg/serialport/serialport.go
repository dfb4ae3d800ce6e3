// Package serialport carries collar frames over a UART, for bench rigs where
// the radio is replaced by a USB serial adapter.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jwoglom/collarlink/pkg/protocol"

	serial "github.com/jacobsa/go-serial/serial"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultBaudRate     = 115200
	DefaultFrameTimeout = 500 * time.Millisecond
	readBufferSize      = 512
)

var ErrClosed = errors.New("serial port closed")

// Options configure the serial link
type Options struct {
	PortName     string
	BaudRate     uint
	FrameTimeout time.Duration
}

// FrameSink receives every complete inbound frame
type FrameSink func(frame []byte) error

// Port is a command transport over a serial line
type Port struct {
	rw    io.ReadWriteCloser
	reasm *protocol.Reassembler

	mutex  sync.Mutex
	closed bool

	framesIn  uint64
	framesOut uint64
	rejected  uint64
}

// Open opens the serial device described by opts
func Open(opts Options) (*Port, error) {
	if opts.BaudRate == 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}

	rw, err := serial.Open(serial.OpenOptions{
		PortName:              opts.PortName,
		BaudRate:              opts.BaudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.PortName, err)
	}
	log.Infof("pkg serialport; opened %s at %d baud", opts.PortName, opts.BaudRate)

	return newPort(rw, opts.FrameTimeout), nil
}

func newPort(rw io.ReadWriteCloser, frameTimeout time.Duration) *Port {
	return &Port{
		rw:    rw,
		reasm: protocol.NewReassembler(frameTimeout),
	}
}

// Run reads the line until ctx is done or the port fails, handing each
// reassembled frame to sink
func (p *Port) Run(ctx context.Context, sink FrameSink) error {
	go func() {
		<-ctx.Done()
		if err := p.Close(); err != nil {
			log.Debugf("pkg serialport; close: %v", err)
		}
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.rw.Read(buf)
		if n > 0 {
			for _, frame := range p.reasm.Write(buf[:n]) {
				p.mutex.Lock()
				p.framesIn++
				p.mutex.Unlock()

				if err := sink(frame); err != nil {
					p.mutex.Lock()
					p.rejected++
					p.mutex.Unlock()
					log.Warnf("pkg serialport; frame rejected: %v", err)
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil || p.isClosed() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}
	}
}

func (p *Port) write(b []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, err := p.rw.Write(b); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	p.framesOut++
	return nil
}

// Send writes a command response
func (p *Port) Send(b []byte) error {
	return p.write(b)
}

// Notify writes an unsolicited frame; the line does not distinguish the two
func (p *Port) Notify(b []byte) error {
	return p.write(b)
}

func (p *Port) IsConnected() bool {
	return !p.isClosed()
}

func (p *Port) isClosed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closed
}

// Close releases the device. It is safe to call more than once.
func (p *Port) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.reasm.Reset()
	return p.rw.Close()
}

// GetStats returns link counters
func (p *Port) GetStats() map[string]interface{} {
	p.mutex.Lock()
	stats := map[string]interface{}{
		"framesIn":  p.framesIn,
		"framesOut": p.framesOut,
		"rejected":  p.rejected,
		"closed":    p.closed,
	}
	p.mutex.Unlock()

	for k, v := range p.reasm.GetStats() {
		stats[k] = v
	}
	return stats
}
