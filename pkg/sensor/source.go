// Package sensor provides IMU sample sources for the session manager.
package sensor

import (
	"errors"

	"github.com/jwoglom/collarlink/pkg/record"
)

// DefaultSampleRate is the IMU output data rate used for recording
const DefaultSampleRate = 60

var ErrAlreadyEnabled = errors.New("sample source already enabled")

// Sample is one IMU reading
type Sample struct {
	Timestamp uint64 // milliseconds since the Unix epoch
	Frame     record.RawFrame
}

// Source delivers samples at a fixed rate until disabled. Callbacks run on a
// goroutine owned by the source. Disable must not wait for an in-flight callback.
type Source interface {
	Enable(rateHz int, cb func(Sample)) error
	Disable()
}
