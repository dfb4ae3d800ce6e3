package handler

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

const DefaultJobQueueSize = 4

var ErrJobQueueFull = errors.New("job queue full")

type queuedJob struct {
	Job
	gen       uint64
	streamGen uint64
}

// JobRunner runs background jobs one at a time on its own goroutine
type JobRunner struct {
	queue chan queuedJob

	mutex     sync.Mutex
	current   *Job
	cancel    context.CancelFunc
	gen       uint64 // bumped by Cancel, skips everything queued before it
	streamGen uint64 // bumped by each stream, skips older queued streams
	completed uint64
	failed    uint64
	cancelled uint64
}

// NewJobRunner creates a runner holding up to size pending jobs
func NewJobRunner(size int) *JobRunner {
	if size <= 0 {
		size = DefaultJobQueueSize
	}
	return &JobRunner{queue: make(chan queuedJob, size)}
}

// Submit queues job. A stream job cancels the stream currently running and any
// stream still waiting in the queue. A rejected job cancels nothing.
func (j *JobRunner) Submit(job Job) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	q := queuedJob{Job: job, gen: j.gen, streamGen: j.streamGen}
	if job.Stream {
		q.streamGen++
	}

	select {
	case j.queue <- q:
	default:
		return ErrJobQueueFull
	}
	log.Debugf("Queued %s", job.Name)

	if job.Stream {
		j.streamGen = q.streamGen
		if j.current != nil && j.current.Stream {
			log.Infof("Cancelling %s for %s", j.current.Name, job.Name)
			j.cancel()
		}
	}
	return nil
}

// Cancel aborts the running job and discards queued ones
func (j *JobRunner) Cancel() {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	j.gen++
	if j.cancel != nil {
		log.Infof("Cancelling %s", j.current.Name)
		j.cancel()
	}
}

// Run executes queued jobs until ctx is done
func (j *JobRunner) Run(ctx context.Context) {
	for {
		select {
		case q := <-j.queue:
			j.run(ctx, q)
		case <-ctx.Done():
			j.Cancel()
			return
		}
	}
}

func (j *JobRunner) run(ctx context.Context, q queuedJob) {
	j.mutex.Lock()
	if q.gen != j.gen || (q.Stream && q.streamGen != j.streamGen) {
		j.cancelled++
		j.mutex.Unlock()
		log.Debugf("Skipping superseded %s", q.Name)
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	job := q.Job
	j.current = &job
	j.cancel = cancel
	j.mutex.Unlock()

	err := job.Run(jobCtx)
	cancel()

	j.mutex.Lock()
	j.current = nil
	j.cancel = nil
	switch {
	case err == nil:
		j.completed++
	case errors.Is(err, context.Canceled):
		j.cancelled++
	default:
		j.failed++
	}
	j.mutex.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%s failed: %v", job.Name, err)
	}
}

// GetStats returns job runner statistics
func (j *JobRunner) GetStats() map[string]interface{} {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	running := ""
	if j.current != nil {
		running = j.current.Name
	}
	return map[string]interface{}{
		"running":   running,
		"queued":    len(j.queue),
		"completed": j.completed,
		"failed":    j.failed,
		"cancelled": j.cancelled,
	}
}
