package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwoglom/collarlink/pkg/state"
	log "github.com/sirupsen/logrus"
)

// OTA control values written to the control characteristic
const (
	OTAControlReset  byte = 0
	OTAControlResume byte = 3
)

const (
	FirmwareHeaderSize     = 64
	DefaultOTAQueueSize    = 5
	DefaultIngestTimeout   = time.Second
	DefaultRadioSettleTime = 29 * time.Second
)

var (
	ErrOTAQueueFull   = errors.New("firmware update queue full")
	ErrShortFirmware  = errors.New("first firmware chunk shorter than header")
	ErrUnknownOTAChar = errors.New("write to unknown OTA characteristic")
)

// LoadStatus is reported by the firmware updater for each loaded chunk
type LoadStatus int

const (
	LoadInProgress LoadStatus = iota
	LoadDone
)

// FirmwareUpdater writes a firmware image to the inactive slot
type FirmwareUpdater interface {
	Start(header []byte) error
	Load(chunk []byte) (LoadStatus, error)
}

// Rebooter resets the application processor
type Rebooter interface {
	Reboot() error
}

// Radio is the wireless coprocessor, restarted after its own firmware is replaced
type Radio interface {
	Deinit() error
	Init() error
	FirmwareVersion() (string, error)
}

// OTAChar says which characteristic a write arrived on
type OTAChar int

const (
	OTAControl OTAChar = iota
	OTAData
)

// OTAState is the lifecycle of one firmware update
type OTAState int

const (
	OTAIdle OTAState = iota
	OTAArmed
	OTALoading
	OTAComplete
	OTAFailed
)

func (s OTAState) String() string {
	switch s {
	case OTAIdle:
		return "idle"
	case OTAArmed:
		return "armed"
	case OTALoading:
		return "loading"
	case OTAComplete:
		return "complete"
	case OTAFailed:
		return "failed"
	default:
		return fmt.Sprintf("OTAState(%d)", int(s))
	}
}

// OTAOptions configure the update engine
type OTAOptions struct {
	QueueSize     int
	IngestTimeout time.Duration
	RadioSettle   time.Duration
	Rebooter      Rebooter
	Radio         Radio
}

type otaWrite struct {
	char OTAChar
	data []byte
}

// OTAStatus is a snapshot of an update for monitoring
type OTAStatus struct {
	State    string        `json:"state"`
	Mode     string        `json:"mode"`
	Chunk    uint16        `json:"nextChunk"`
	Received uint32        `json:"chunksReceived"`
	Bytes    uint32        `json:"bytesLoaded"`
	Elapsed  time.Duration `json:"elapsed"`
	LastErr  string        `json:"lastError,omitempty"`
}

// OTA ingests a firmware image written chunk by chunk. Writes are queued by the
// transport callback and processed on the engine's own goroutine.
type OTA struct {
	updater  FirmwareUpdater
	notifier state.EventNotifier
	opts     OTAOptions
	queue    chan otaWrite

	mutex    sync.Mutex
	state    OTAState
	chunk    uint16 // next expected chunk, 1-based
	received uint32
	bytes    uint32
	started  time.Time
	elapsed  time.Duration
	lastErr  error
}

// NewOTA creates an idle update engine
func NewOTA(updater FirmwareUpdater, opts OTAOptions) *OTA {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOTAQueueSize
	}
	if opts.IngestTimeout <= 0 {
		opts.IngestTimeout = DefaultIngestTimeout
	}
	if opts.RadioSettle < 0 {
		opts.RadioSettle = 0
	}
	return &OTA{
		updater:  updater,
		notifier: &state.NoOpEventNotifier{},
		opts:     opts,
		queue:    make(chan otaWrite, opts.QueueSize),
		chunk:    1,
	}
}

// SetEventNotifier sets the notifier for update progress
func (o *OTA) SetEventNotifier(notifier state.EventNotifier) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.notifier = notifier
}

// Ingest queues a write for the worker. It waits up to the ingest timeout for
// room in the queue.
func (o *OTA) Ingest(char OTAChar, payload []byte) error {
	if char != OTAControl && char != OTAData {
		return ErrUnknownOTAChar
	}
	w := otaWrite{char: char, data: append([]byte(nil), payload...)}

	select {
	case o.queue <- w:
		return nil
	default:
	}

	timer := time.NewTimer(o.opts.IngestTimeout)
	defer timer.Stop()
	select {
	case o.queue <- w:
		return nil
	case <-timer.C:
		log.Errorf("OTA queue full, dropped %d byte write", len(payload))
		return ErrOTAQueueFull
	}
}

// Run processes queued writes until ctx is done
func (o *OTA) Run(ctx context.Context) {
	log.Infof("OTA worker started (%s completion)", CompletionMode)
	for {
		select {
		case w := <-o.queue:
			o.process(w)
		case <-ctx.Done():
			return
		}
	}
}

func (o *OTA) process(w otaWrite) {
	switch w.char {
	case OTAControl:
		o.control(w.data)
	case OTAData:
		o.data(w.data)
	}
}

func (o *OTA) control(data []byte) {
	if len(data) == 0 {
		log.Warn("Empty OTA control write")
		return
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	switch data[0] {
	case OTAControlReset:
		o.state = OTAArmed
		o.chunk = 1
		o.received = 0
		o.bytes = 0
		o.lastErr = nil
		log.Info("OTA reset, waiting for firmware chunk 1")
	case OTAControlResume:
		if o.state == OTAFailed || o.state == OTAComplete {
			log.Warnf("OTA resume ignored in state %s, reset required", o.state)
			return
		}
		if o.state == OTAIdle {
			o.state = OTAArmed
		}
		log.Infof("OTA resumed at chunk %d", o.chunk)
	default:
		log.Warnf("Unknown OTA control value 0x%02X", data[0])
	}
}

func (o *OTA) data(data []byte) {
	o.mutex.Lock()
	st := o.state
	if st != OTAArmed && st != OTALoading {
		o.mutex.Unlock()
		log.Warnf("Firmware chunk ignored in state %s", st)
		return
	}
	o.received++
	chunk := o.chunk
	o.mutex.Unlock()
	log.Debugf("Received firmware chunk %d (%d bytes)", chunk, len(data))

	if chunk == 1 {
		if len(data) < FirmwareHeaderSize {
			o.fail(fmt.Errorf("%w: %d bytes", ErrShortFirmware, len(data)))
			return
		}
		if err := o.updater.Start(data[:FirmwareHeaderSize]); err != nil {
			o.fail(fmt.Errorf("firmware header rejected: %w", err))
			return
		}
		o.mutex.Lock()
		o.state = OTALoading
		o.started = time.Now()
		o.mutex.Unlock()
		log.Info("Firmware transfer in progress")
	}

	status, err := o.updater.Load(data)
	if err != nil {
		o.fail(fmt.Errorf("load chunk %d: %w", chunk, err))
		return
	}

	o.mutex.Lock()
	o.chunk++
	o.bytes += uint32(len(data))
	received, bytes := o.received, o.bytes
	notifier := o.notifier
	if status != LoadDone {
		o.mutex.Unlock()
		if chunk%50 == 0 {
			notifier.NotifyFirmwareUpdate(OTALoading.String(), received, bytes)
		}
		return
	}
	o.state = OTAComplete
	o.elapsed = time.Since(o.started)
	elapsed := o.elapsed
	o.mutex.Unlock()

	log.Infof("Firmware transfer complete: %d chunks, %d bytes in %v", chunk, bytes, elapsed)
	notifier.NotifyFirmwareUpdate(OTAComplete.String(), received, bytes)

	if err := o.complete(); err != nil {
		log.Errorf("Firmware activation failed: %v", err)
		o.mutex.Lock()
		o.lastErr = err
		o.mutex.Unlock()
	}
}

// fail aborts the update; only a reset starts a new one
func (o *OTA) fail(err error) {
	o.mutex.Lock()
	o.state = OTAFailed
	o.lastErr = err
	received, bytes := o.received, o.bytes
	notifier := o.notifier
	o.mutex.Unlock()

	log.Errorf("Firmware update failed: %v", err)
	notifier.NotifyFirmwareUpdate(OTAFailed.String(), received, bytes)
}

// Status returns a snapshot of the update
func (o *OTA) Status() OTAStatus {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	st := OTAStatus{
		State:    o.state.String(),
		Mode:     CompletionMode,
		Chunk:    o.chunk,
		Received: o.received,
		Bytes:    o.bytes,
		Elapsed:  o.elapsed,
	}
	if o.state == OTALoading {
		st.Elapsed = time.Since(o.started)
	}
	if o.lastErr != nil {
		st.LastErr = o.lastErr.Error()
	}
	return st
}
