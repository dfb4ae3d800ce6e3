package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwoglom/collarlink/pkg/record"
	"github.com/jwoglom/collarlink/pkg/sensor"
	"github.com/jwoglom/collarlink/pkg/state"
	"github.com/jwoglom/collarlink/pkg/storage"
	log "github.com/sirupsen/logrus"
)

// Manager serializes every change to recording state. Commands and sample
// callbacks both go through its mutex; callbacks carry the generation they were
// enabled with so a stale one arriving after stop or restart is discarded.
type Manager struct {
	store      storage.Store
	source     sensor.Source
	notifier   state.EventNotifier
	sampleRate int
	chunkSize  uint16

	mutex      sync.Mutex
	gen        uint64
	active     *recording
	acc        record.Accumulator
	continuous ContinuousSession
	pending    *record.UID
	liveNum    uint32
	dropped    uint32
}

// Options tune a Manager. Zero values select the defaults.
type Options struct {
	SampleRate int
	ChunkSize  uint16
}

// NewManager creates an idle manager
func NewManager(store storage.Store, source sensor.Source, opts Options) *Manager {
	if opts.SampleRate <= 0 {
		opts.SampleRate = sensor.DefaultSampleRate
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Manager{
		store:      store,
		source:     source,
		notifier:   &state.NoOpEventNotifier{},
		sampleRate: opts.SampleRate,
		chunkSize:  opts.ChunkSize,
	}
}

// SetEventNotifier sets the notifier for recording events
func (m *Manager) SetEventNotifier(notifier state.EventNotifier) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.notifier = notifier
}

// Start begins recording the primary session uid. Any active recording is stopped
// first and a pending deferred start is dropped. Samples are appended to the
// existing file when it already holds records.
func (m *Manager) Start(uid record.UID) error {
	m.mutex.Lock()
	m.dropPendingLocked(uid)

	var events []func()
	if m.active != nil {
		log.Warnf("Stopping %s recording %s to start %s", m.active.mode, m.active.name, uid)
		events = append(events, m.stopLocked())
	}

	rec, err := m.startLocked(uid)
	notifier := m.notifier
	m.mutex.Unlock()

	runEvents(events)
	return m.started(notifier, uid, rec, err)
}

func (m *Manager) startLocked(uid record.UID) (*recording, error) {
	rec, err := m.openLocked(ModePrimary, uid, uid.String(), false, true)
	if err == nil {
		err = m.enableLocked(rec)
	}
	return rec, err
}

func (m *Manager) started(notifier state.EventNotifier, uid record.UID, rec *recording, err error) error {
	if err != nil {
		log.Errorf("Failed to start session %s: %v", uid, err)
		return err
	}

	log.Infof("Recording session %s started at record %d", uid, rec.nextRaw)
	notifier.NotifyRecordingStarted(uid.String(), ModePrimary.String())
	return nil
}

// dropPendingLocked cancels a deferred start superseded by a newer command
func (m *Manager) dropPendingLocked(by fmt.Stringer) {
	if m.pending == nil {
		return
	}
	log.Warnf("Dropping pending start of %s, superseded by %s", *m.pending, by)
	m.pending = nil
}

// Stop ends the active file recording and drops a pending start. Stopping when
// idle succeeds.
func (m *Manager) Stop() error {
	m.mutex.Lock()
	m.pending = nil
	var event func()
	if m.active != nil && m.active.mode != ModeLive {
		event = m.stopLocked()
	}
	m.mutex.Unlock()

	if event == nil {
		log.Debug("Stop requested with no recording in progress")
		return nil
	}
	event()
	return nil
}

// Active returns the mode and uid of the current recording
func (m *Manager) Active() (Mode, record.UID) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.active == nil {
		return ModeIdle, record.UID{}
	}
	return m.active.mode, m.active.uid
}

// RecordCount returns the number of records of kind in session uid. Like the
// device firmware it stops an active file recording first so the count is final.
func (m *Manager) RecordCount(kind record.Kind, uid record.UID) (int, error) {
	m.mutex.Lock()
	var event func()
	if m.active != nil && m.active.mode != ModeLive {
		log.Warnf("Stopping %s recording %s to count records", m.active.mode, m.active.name)
		event = m.stopLocked()
	}
	m.mutex.Unlock()
	runEvents([]func(){event})

	n, err := m.store.RecordCount(uid.String(), kind)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, uid)
		}
		return 0, err
	}
	return n, nil
}

// ReadRecord returns the serialized record num of kind from session uid
func (m *Manager) ReadRecord(kind record.Kind, uid record.UID, num int) ([]byte, error) {
	b, err := m.store.ReadRecord(uid.String(), kind, num)
	switch {
	case err == nil:
		return b, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, uid)
	case errors.Is(err, storage.ErrRecordNotFound):
		return nil, fmt.Errorf("%w: %s[%d]", ErrRecordNotFound, uid, num)
	default:
		return nil, err
	}
}

// StartLive streams completed raw records to send instead of storing them
func (m *Manager) StartLive(send func([]byte)) error {
	m.mutex.Lock()

	m.dropPendingLocked(ModeLive)

	var events []func()
	if m.active != nil {
		if m.active.mode == ModeLive {
			m.active.live = send
			m.mutex.Unlock()
			return nil
		}
		log.Warnf("Stopping %s recording %s for live streaming", m.active.mode, m.active.name)
		events = append(events, m.stopLocked())
	}

	m.liveNum = 0
	err := m.enableLocked(&recording{mode: ModeLive, live: send})
	m.mutex.Unlock()

	runEvents(events)
	if err != nil {
		return err
	}
	log.Info("Live raw IMU streaming started")
	return nil
}

// StopLive ends live streaming. Other recordings are left alone.
func (m *Manager) StopLive() error {
	m.mutex.Lock()
	var event func()
	if m.active != nil && m.active.mode == ModeLive {
		event = m.stopLocked()
	}
	m.mutex.Unlock()

	runEvents([]func(){event})
	return nil
}

// RequestStart schedules a start of uid after all stored sessions are erased.
// The erase runs on the poller, not on the caller.
func (m *Manager) RequestStart(uid record.UID) {
	m.mutex.Lock()
	var event func()
	if m.active != nil {
		log.Warnf("Stopping %s recording %s, %s starts after erase", m.active.mode, m.active.name, uid)
		event = m.stopLocked()
	}
	m.pending = &uid
	m.mutex.Unlock()

	runEvents([]func(){event})
	log.Infof("Session %s pending flash erase", uid)
}

// Poll performs a pending erase and start, if any. The lock is held from the
// erase through the start so no command can open files the erase would close.
func (m *Manager) Poll() error {
	m.mutex.Lock()
	pending := m.pending
	m.pending = nil
	if pending == nil {
		m.mutex.Unlock()
		return nil
	}
	uid := *pending

	var events []func()
	if m.active != nil {
		log.Warnf("Stopping %s recording %s before erase", m.active.mode, m.active.name)
		events = append(events, m.stopLocked())
	}
	// the erase takes every chunk with it
	m.continuous = ContinuousSession{}

	begin := time.Now()
	var rec *recording
	err := m.store.DeleteAll()
	if err != nil {
		err = fmt.Errorf("erase before starting %s: %w", uid, err)
	} else {
		log.Infof("Storage erased in %v", time.Since(begin))
		rec, err = m.startLocked(uid)
	}
	notifier := m.notifier
	m.mutex.Unlock()

	runEvents(events)
	return m.started(notifier, uid, rec, err)
}

// RunPoller calls Poll every interval until ctx is done
func (m *Manager) RunPoller(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Poll(); err != nil {
				log.Errorf("Deferred session start failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Status returns a snapshot for monitoring
func (m *Manager) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	st := Status{
		Mode:       ModeIdle.String(),
		Dropped:    m.dropped,
		Continuous: m.continuous,
	}
	if m.active != nil {
		st.Mode = m.active.mode.String()
		st.NextRecord = m.active.nextRaw
		if m.active.mode != ModeLive {
			st.UID = m.active.uid.String()
			st.File = m.active.name
		}
	}
	if m.pending != nil {
		st.PendingStart = m.pending.String()
	}
	return st
}

// openLocked opens the files of a recording. fresh replaces existing files.
func (m *Manager) openLocked(mode Mode, uid record.UID, name string, fresh bool, withAct bool) (*recording, error) {
	rec := &recording{mode: mode, uid: uid, name: name, hasAct: withAct}

	open := func(kind record.Kind) (storage.Handle, uint32, error) {
		if fresh {
			h, err := m.store.Create(name, kind)
			return h, 0, err
		}
		h, created, err := storage.OpenOrCreate(m.store, name, kind)
		if err != nil || created {
			return h, 0, err
		}
		n, err := m.store.RecordCount(name, kind)
		if err != nil {
			m.store.Close(h)
			return 0, 0, err
		}
		return h, uint32(n), nil
	}

	var err error
	rec.raw, rec.nextRaw, err = open(record.KindRawIMU)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	if withAct {
		rec.act, rec.nextAct, err = open(record.KindActivity)
		if err != nil {
			m.store.Close(rec.raw)
			return nil, fmt.Errorf("failed to open activity file %s: %w", name, err)
		}
	}
	return rec, nil
}

func (m *Manager) closeFilesLocked(rec *recording) {
	if rec.mode == ModeLive {
		return
	}
	if err := m.store.Close(rec.raw); err != nil {
		log.Errorf("Failed to close %s: %v", rec.name, err)
	}
	if rec.hasAct {
		if err := m.store.Close(rec.act); err != nil {
			log.Errorf("Failed to close activity file %s: %v", rec.name, err)
		}
	}
}

// enableLocked binds rec to a new generation and turns on the source.
// On failure the files of rec are closed.
func (m *Manager) enableLocked(rec *recording) error {
	m.gen++
	rec.gen = m.gen
	m.acc.Reset()

	gen := rec.gen
	if err := m.source.Enable(m.sampleRate, func(s sensor.Sample) { m.onSample(gen, s) }); err != nil {
		m.closeFilesLocked(rec)
		return fmt.Errorf("%w: %v", ErrHardwareFailure, err)
	}
	m.active = rec
	return nil
}

// stopLocked disables the source and closes the active recording. The returned
// func sends the stop notification and must be run without the lock held.
func (m *Manager) stopLocked() func() {
	rec := m.active
	if rec == nil {
		return nil
	}

	m.source.Disable()
	m.gen++
	m.active = nil
	if pending := m.acc.Pending(); pending > 0 {
		log.Debugf("Discarding %d samples of incomplete record", pending)
	}
	m.acc.Reset()
	m.closeFilesLocked(rec)

	if rec.mode == ModeContinuous && m.continuous.Status == ContinuousInProgress {
		m.continuous.Status = ContinuousStopped
	}

	log.Infof("Stopped %s recording %s after %d records", rec.mode, rec.name, rec.nextRaw)

	notifier := m.notifier
	return func() {
		notifier.NotifyRecordingStopped(rec.uid.String(), rec.mode.String(), rec.nextRaw)
	}
}

// onSample is the source callback
func (m *Manager) onSample(gen uint64, s sensor.Sample) {
	m.mutex.Lock()

	rec := m.active
	if rec == nil || rec.gen != gen {
		m.mutex.Unlock()
		return
	}

	full, done := m.acc.Add(s.Timestamp, s.Frame)
	if !done {
		m.mutex.Unlock()
		return
	}

	if rec.mode == ModeLive {
		full.RecordNum = m.liveNum
		m.liveNum++
		send := rec.live
		m.mutex.Unlock()

		b, _ := full.MarshalBinary()
		send(b)
		return
	}

	events := m.appendLocked(rec, full)
	m.mutex.Unlock()
	runEvents(events)
}

// appendLocked stamps and stores one completed raw record. A failed append drops
// the record and leaves the sequence where it was.
func (m *Manager) appendLocked(rec *recording, full *record.RawIMURecord) []func() {
	notifier := m.notifier

	full.RecordNum = rec.nextRaw
	b, _ := full.MarshalBinary()
	if err := m.store.Append(rec.raw, b); err != nil {
		m.dropped++
		log.Errorf("Failed to write record %d to %s: %v", full.RecordNum, rec.name, err)
		num := full.RecordNum
		return []func(){func() { notifier.NotifyRecordDropped(rec.uid.String(), num, err) }}
	}
	rec.nextRaw++
	rec.written++
	log.Tracef("Wrote record %d to %s", full.RecordNum, rec.name)

	if rec.hasAct {
		act := &record.ActivityRecord{
			Timestamp: full.Timestamp,
			RecordNum: rec.nextAct,
			Summary:   sensor.Summarize(full),
		}
		ab, _ := act.MarshalBinary()
		if err := m.store.Append(rec.act, ab); err != nil {
			log.Warnf("Failed to write activity record %d to %s: %v", act.RecordNum, rec.name, err)
		} else {
			rec.nextAct++
		}
	}

	if rec.mode == ModeContinuous && rec.written >= uint32(m.continuous.ChunkSize) {
		return m.rolloverLocked(rec)
	}
	return nil
}

func runEvents(events []func()) {
	for _, e := range events {
		if e != nil {
			e()
		}
	}
}
