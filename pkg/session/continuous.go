package session

import (
	"errors"
	"fmt"

	"github.com/jwoglom/collarlink/pkg/record"
	"github.com/jwoglom/collarlink/pkg/storage"
	log "github.com/sirupsen/logrus"
)

// StartContinuous starts chunked recording for uid. Starting the uid of a stopped
// session resumes it in a new chunk; any other uid replaces the previous session
// and deletes its chunks.
func (m *Manager) StartContinuous(uid record.UID, recType uint8) error {
	m.mutex.Lock()
	m.dropPendingLocked(uid)

	var events []func()
	if m.active != nil {
		log.Warnf("Stopping %s recording %s to start continuous %s", m.active.mode, m.active.name, uid)
		events = append(events, m.stopLocked())
	}
	if recType == 0 {
		recType = RecTypeRawIMU
	}

	cs := m.continuous
	var err error
	switch {
	case cs.Status != ContinuousReserved && cs.UID == uid && cs.ChunkCount >= record.MaxChunkID:
		err = fmt.Errorf("%w: %s", ErrChunkLimit, uid)
	case cs.Status != ContinuousReserved && cs.UID == uid:
		cs.ChunkCount++
		cs.RecType = recType
		log.Infof("Resuming continuous session %s in chunk %d", uid, cs.ChunkCount)
	default:
		if cs.Status != ContinuousReserved {
			log.Warnf("Replacing continuous session %s with %s", cs.UID, uid)
			m.deleteChunksLocked(cs)
		}
		cs = ContinuousSession{
			UID:        uid,
			RecType:    recType,
			ChunkSize:  m.chunkSize,
			ChunkCount: 1,
		}
	}

	name := uid.ChunkName(cs.ChunkCount)
	if err == nil {
		var rec *recording
		rec, err = m.openLocked(ModeContinuous, uid, name, true, recType&RecTypeActivity != 0)
		if err == nil {
			err = m.enableLocked(rec)
		}
	}
	if err != nil {
		cs.Status = ContinuousStopped
	} else {
		cs.Status = ContinuousInProgress
	}
	m.continuous = cs
	notifier := m.notifier
	m.mutex.Unlock()

	runEvents(events)
	if err != nil {
		log.Errorf("Failed to start continuous session %s: %v", uid, err)
		return err
	}

	log.Infof("Continuous session %s recording to %s", uid, name)
	notifier.NotifyRecordingStarted(uid.String(), ModeContinuous.String())
	return nil
}

// StopContinuous stops the continuous session uid. Stopping a session that is
// already stopped succeeds.
func (m *Manager) StopContinuous(uid record.UID) error {
	m.mutex.Lock()
	if err := m.matchLocked(uid); err != nil {
		m.mutex.Unlock()
		return err
	}
	var event func()
	if m.active != nil && m.active.mode == ModeContinuous {
		event = m.stopLocked()
	}
	m.mutex.Unlock()

	runEvents([]func(){event})
	return nil
}

// ContinuousStatus returns the status of session uid, or ContinuousNotFound
func (m *Manager) ContinuousStatus(uid record.UID) (ContinuousStatus, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.matchLocked(uid); err != nil {
		return ContinuousNotFound, err
	}
	return m.continuous.Status, nil
}

// ContinuousDetails returns the descriptor of session uid
func (m *Manager) ContinuousDetails(uid record.UID) (ContinuousSession, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.matchLocked(uid); err != nil {
		return ContinuousSession{}, err
	}
	return m.continuous, nil
}

// ValidateChunk checks uid and chunkID against the continuous session without
// touching storage
func (m *Manager) ValidateChunk(uid record.UID, chunkID uint16) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.validateChunkLocked(uid, chunkID)
}

// DeleteChunk removes one finished chunk
func (m *Manager) DeleteChunk(uid record.UID, chunkID uint16) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.validateChunkLocked(uid, chunkID); err != nil {
		return err
	}
	if m.continuous.Status == ContinuousInProgress && chunkID == m.continuous.ChunkCount {
		return fmt.Errorf("%w: %s", ErrChunkBusy, uid.ChunkName(chunkID))
	}

	name := uid.ChunkName(chunkID)
	if err := m.store.Delete(name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrChunkNotFound, name)
		}
		return fmt.Errorf("failed to delete chunk %s: %w", name, err)
	}
	log.Infof("Deleted chunk %s", name)
	return nil
}

// DeleteContinuous stops session uid if needed, deletes all of its chunks and
// clears the session
func (m *Manager) DeleteContinuous(uid record.UID) error {
	m.mutex.Lock()
	if err := m.matchLocked(uid); err != nil {
		m.mutex.Unlock()
		return err
	}
	var event func()
	if m.active != nil && m.active.mode == ModeContinuous {
		event = m.stopLocked()
	}
	err := m.deleteChunksLocked(m.continuous)
	m.continuous = ContinuousSession{}
	m.mutex.Unlock()

	runEvents([]func(){event})
	return err
}

// HasSession reports whether uid names the continuous session or a stored primary session
func (m *Manager) HasSession(uid record.UID) bool {
	m.mutex.Lock()
	matched := m.matchLocked(uid) == nil
	m.mutex.Unlock()
	if matched {
		return true
	}
	_, err := m.store.RecordCount(uid.String(), record.KindRawIMU)
	return err == nil
}

// DeleteSession removes everything stored under uid: the continuous session
// chunks when uid is the continuous session, and the primary session file
func (m *Manager) DeleteSession(uid record.UID) error {
	found := false

	m.mutex.Lock()
	matched := m.matchLocked(uid) == nil
	var event func()
	if m.active != nil && m.active.mode == ModePrimary && m.active.uid == uid {
		log.Warnf("Stopping session %s to delete it", uid)
		event = m.stopLocked()
	}
	m.mutex.Unlock()
	runEvents([]func(){event})

	if matched {
		if err := m.DeleteContinuous(uid); err != nil {
			return err
		}
		found = true
	}

	err := m.store.Delete(uid.String())
	switch {
	case err == nil:
		found = true
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("failed to delete session %s: %w", uid, err)
	}

	if !found {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, uid)
	}
	log.Infof("Deleted session %s", uid)
	return nil
}

func (m *Manager) matchLocked(uid record.UID) error {
	if m.continuous.Status == ContinuousReserved || m.continuous.UID != uid {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, uid)
	}
	return nil
}

func (m *Manager) validateChunkLocked(uid record.UID, chunkID uint16) error {
	if err := m.matchLocked(uid); err != nil {
		return err
	}
	if chunkID == 0 || chunkID > m.continuous.ChunkCount {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidChunk, chunkID, m.continuous.ChunkCount)
	}
	return nil
}

// deleteChunksLocked removes chunks 1..ChunkCount of cs. Missing chunks are
// skipped; the first other error is returned after trying every chunk.
func (m *Manager) deleteChunksLocked(cs ContinuousSession) error {
	var first error
	deleted := 0
	for id := uint16(1); id <= cs.ChunkCount && id != 0; id++ {
		name := cs.UID.ChunkName(id)
		err := m.store.Delete(name)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, storage.ErrNotFound):
		default:
			log.Errorf("Failed to delete chunk %s: %v", name, err)
			if first == nil {
				first = fmt.Errorf("failed to delete chunk %s: %w", name, err)
			}
		}
	}
	log.Infof("Deleted %d of %d chunks of %s", deleted, cs.ChunkCount, cs.UID)
	return first
}

// rolloverLocked closes the full chunk and continues in the next one. If the next
// chunk cannot be opened the session is stopped.
func (m *Manager) rolloverLocked(rec *recording) []func() {
	notifier := m.notifier
	m.closeFilesLocked(rec)

	next := m.continuous.ChunkCount + 1
	name := rec.uid.ChunkName(next)
	var nrec *recording
	err := fmt.Errorf("%w: %s", ErrChunkLimit, rec.uid)
	if m.continuous.ChunkCount < record.MaxChunkID {
		nrec, err = m.openLocked(ModeContinuous, rec.uid, name, true, rec.hasAct)
	}
	if err != nil {
		log.Errorf("Chunk rollover to %s failed, stopping continuous session: %v", name, err)
		m.source.Disable()
		m.gen++
		m.active = nil
		m.acc.Reset()
		m.continuous.Status = ContinuousStopped
		return []func(){func() {
			notifier.NotifyRecordingStopped(rec.uid.String(), ModeContinuous.String(), rec.nextRaw)
		}}
	}

	nrec.gen = rec.gen
	m.active = nrec
	m.continuous.ChunkCount = next
	log.Infof("Continuous session %s rolled over to chunk %d", rec.uid, next)

	uid := rec.uid.String()
	return []func(){func() { notifier.NotifyChunkRollover(uid, next) }}
}
