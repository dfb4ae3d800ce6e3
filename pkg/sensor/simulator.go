package sensor

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jwoglom/collarlink/pkg/record"
	log "github.com/sirupsen/logrus"
)

// Simulator generates smooth synthetic IMU motion
type Simulator struct {
	running  bool
	stopChan chan struct{}
	start    time.Time
	rate     int
	mutex    sync.Mutex

	// FailEnable makes the next Enable call fail, simulating a dead sensor
	FailEnable bool
}

// NewSimulator creates a stopped simulated source
func NewSimulator() *Simulator {
	return &Simulator{start: time.Now()}
}

// Enable starts the sample loop
func (s *Simulator) Enable(rateHz int, cb func(Sample)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.FailEnable {
		s.FailEnable = false
		return fmt.Errorf("IMU did not respond")
	}
	if s.running {
		return ErrAlreadyEnabled
	}
	if rateHz <= 0 {
		return fmt.Errorf("invalid sample rate %d Hz", rateHz)
	}

	s.running = true
	s.rate = rateHz
	s.stopChan = make(chan struct{})

	log.Infof("Starting simulated IMU at %d Hz", rateHz)

	go s.sampleLoop(time.Second/time.Duration(rateHz), s.stopChan, cb)
	return nil
}

// Disable stops the sample loop. A callback already running finishes on its own.
func (s *Simulator) Disable() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return
	}

	log.Info("Stopping simulated IMU")
	s.running = false
	close(s.stopChan)
}

func (s *Simulator) sampleLoop(interval time.Duration, stop chan struct{}, cb func(Sample)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			cb(s.sample(now))
		case <-stop:
			return
		}
	}
}

// sample derives a reading from wall time: a slow walk on the accelerometer,
// a gentle yaw on the gyroscope
func (s *Simulator) sample(now time.Time) Sample {
	t := now.Sub(s.start).Seconds()
	step := math.Sin(2 * math.Pi * 1.8 * t)

	return Sample{
		Timestamp: uint64(now.UnixMilli()),
		Frame: record.RawFrame{
			AX: int16(1200 * step),
			AY: int16(300 * math.Cos(2*math.Pi*0.9*t)),
			AZ: int16(16384 + 800*step),
			GX: int16(150 * math.Sin(2*math.Pi*0.5*t)),
			GY: int16(90 * step),
			GZ: int16(400 * math.Sin(2*math.Pi*0.1*t)),
		},
	}
}

// GetStats returns simulator statistics
func (s *Simulator) GetStats() map[string]interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return map[string]interface{}{
		"running": s.running,
		"rateHz":  s.rate,
	}
}
