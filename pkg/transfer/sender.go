// Package transfer moves bulk data over the link: paced read-back of recorded
// chunks and ingest of firmware images.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwoglom/collarlink/pkg/protocol"
	"github.com/jwoglom/collarlink/pkg/record"
	"github.com/jwoglom/collarlink/pkg/state"
	"github.com/jwoglom/collarlink/pkg/storage"
	log "github.com/sirupsen/logrus"
)

// Read-back defaults. A record plus the read takes about 50ms, matching real-time playback.
const (
	DefaultRawChunkRecords      = 900
	DefaultActivityChunkRecords = 600
	DefaultRecordInterval       = 45 * time.Millisecond
)

// Link is the outbound side of the transport used for streamed records
type Link interface {
	Notify(b []byte) error
}

// SenderOptions tune a Sender. Zero values select the defaults.
type SenderOptions struct {
	RawRecords      int
	ActivityRecords int
	Interval        time.Duration
}

// Sender streams a stored chunk to the link one record per interval
type Sender struct {
	store    storage.Store
	link     Link
	notifier state.EventNotifier
	opts     SenderOptions
}

// NewSender creates a chunk sender
func NewSender(store storage.Store, link Link, opts SenderOptions) *Sender {
	if opts.RawRecords <= 0 {
		opts.RawRecords = DefaultRawChunkRecords
	}
	if opts.ActivityRecords <= 0 {
		opts.ActivityRecords = DefaultActivityChunkRecords
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultRecordInterval
	}
	return &Sender{
		store:    store,
		link:     link,
		notifier: &state.NoOpEventNotifier{},
		opts:     opts,
	}
}

// SetEventNotifier sets the notifier for transfer events
func (s *Sender) SetEventNotifier(notifier state.EventNotifier) {
	s.notifier = notifier
}

// RecordsPerChunk returns how many records one read-back of kind sends
func (s *Sender) RecordsPerChunk(kind record.Kind) int {
	if kind == record.KindActivity {
		return s.opts.ActivityRecords
	}
	return s.opts.RawRecords
}

// SendChunk streams chunk chunkID of session uid. Every index of the chunk is
// sent; a record that cannot be read is replaced by a sentinel so the receiver
// sees the gap. It returns the number of records sent, stopping early only when
// ctx is cancelled or the link fails.
func (s *Sender) SendChunk(ctx context.Context, kind record.Kind, uid record.UID, chunkID uint16) (int, error) {
	name := uid.ChunkName(chunkID)
	total := s.RecordsPerChunk(kind)
	start := time.Now()

	log.Infof("Sending %s chunk %s: %d records", kind, name, total)

	sent, gaps := 0, 0
	err := func() error {
		for i := 0; i < total; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			b, err := s.store.ReadRecord(name, kind, i)
			if err != nil {
				if gaps == 0 || !errors.Is(err, storage.ErrRecordNotFound) {
					log.Debugf("Record %s[%d] unavailable, sending sentinel: %v", name, i, err)
				}
				b = record.Sentinel(kind)
				gaps++
			}

			if err := s.link.Notify(protocol.EncodeLegacy(b)); err != nil {
				return fmt.Errorf("notify record %d: %w", i, err)
			}
			sent++

			select {
			case <-time.After(s.opts.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}()

	cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	s.notifier.NotifyTransferComplete(name, kind.String(), sent, gaps, cancelled)

	switch {
	case cancelled:
		log.Infof("Chunk %s transfer cancelled after %d records", name, sent)
	case err != nil:
		log.Errorf("Chunk %s transfer failed after %d records: %v", name, sent, err)
	default:
		log.Infof("Chunk %s sent: %d records, %d gaps, %v", name, sent, gaps, time.Since(start))
	}
	return sent, err
}
