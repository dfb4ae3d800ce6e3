package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Reassembler splits a byte stream into complete frames. It is used on links that
// do not preserve message boundaries, such as a UART.
type Reassembler struct {
	buf      []byte
	lastByte time.Time
	timeout  time.Duration
	mutex    sync.Mutex

	// dropped counts bytes discarded while resynchronizing
	dropped int
}

// NewReassembler creates a reassembler that discards partial frames older than timeout
func NewReassembler(timeout time.Duration) *Reassembler {
	return &Reassembler{timeout: timeout}
}

// Write feeds bytes into the reassembler and returns every frame they complete.
// Returned frames are raw and still need Decode.
func (r *Reassembler) Write(data []byte) [][]byte {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	if len(r.buf) > 0 && r.timeout > 0 && now.Sub(r.lastByte) > r.timeout {
		log.Warnf("Discarding stale partial frame (age: %v, bytes: %d): %s",
			now.Sub(r.lastByte), len(r.buf), hex.EncodeToString(r.buf))
		r.dropped += len(r.buf)
		r.buf = r.buf[:0]
	}
	r.lastByte = now
	r.buf = append(r.buf, data...)

	var frames [][]byte
	for {
		r.resync()
		if len(r.buf) < HeaderSize {
			break
		}

		length := int(binary.BigEndian.Uint16(r.buf[1:3]))
		if length < MinFrameSize {
			// not a real header, skip this start byte
			r.dropped++
			r.buf = r.buf[1:]
			continue
		}
		if len(r.buf) < length {
			break
		}

		frame := make([]byte, length)
		copy(frame, r.buf[:length])
		r.buf = r.buf[length:]
		frames = append(frames, frame)

		log.Tracef("Reassembled frame: %d bytes", length)
	}

	if len(r.buf) == 0 {
		r.buf = nil
	}
	return frames
}

// resync drops leading bytes until the buffer starts on a command start byte
func (r *Reassembler) resync() {
	i := 0
	for i < len(r.buf) && StartByte(r.buf[i]) != StartToDevice {
		i++
	}
	if i > 0 {
		log.Tracef("Dropped %d bytes before start byte", i)
		r.dropped += i
		r.buf = r.buf[i:]
	}
}

// Pending returns the number of buffered bytes not yet part of a complete frame
func (r *Reassembler) Pending() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.buf)
}

// Reset clears any partial frame
func (r *Reassembler) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.buf = nil
	log.Debug("Reassembler buffer cleared")
}

// GetStats returns statistics about the reassembler
func (r *Reassembler) GetStats() map[string]interface{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return map[string]interface{}{
		"pendingBytes": len(r.buf),
		"droppedBytes": r.dropped,
		"timeout":      r.timeout.String(),
	}
}
