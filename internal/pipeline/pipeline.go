package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"cellflow/internal/logging"
	"cellflow/internal/metrics"
	"cellflow/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobFlow       JobType = "flow"
	JobTrajectory JobType = "trajectory"
	JobVideo      JobType = "video"
)

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input_path,omitempty"` // stack file for flow jobs
	Stack     string         `json:"stack,omitempty"`      // stored stack for trajectory and video jobs
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	store     *storage.Store
	metrics   *metrics.Metrics
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline running concurrency jobs at once against svc.
// store and m may be nil.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, svc Service, m *metrics.Metrics) *Pipeline {
	return newPipeline(ctx, concurrency, logger, store, newRouter(logger, store, svc), m)
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor, m *metrics.Metrics) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:     logger,
		jobs:    make(chan Job, concurrency*2),
		cancel:  cancel,
		store:   store,
		metrics: m,
		subs:    make(map[int]chan Result),
		stopped: make(chan struct{}),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// ErrQueueFull is returned by Submit when every queue slot is taken.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned for jobs offered after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Submit adds a job to the processing queue without waiting for a free slot.
func (p *Pipeline) Submit(job Job) error {
	if p.isStopped() {
		return ErrStopped
	}
	p.recordQueued(job)
	select {
	case p.jobs <- job:
		return nil
	default:
		p.recordDropped(job, ErrQueueFull)
		return ErrQueueFull
	}
}

// Enqueue adds a job to the processing queue, waiting for a free slot until
// ctx is done or the pipeline stops.
func (p *Pipeline) Enqueue(ctx context.Context, job Job) error {
	if p.isStopped() {
		return ErrStopped
	}
	p.recordQueued(job)
	select {
	case p.jobs <- job:
		return nil
	case <-p.stopped:
		p.recordDropped(job, ErrStopped)
		return ErrStopped
	case <-ctx.Done():
		p.recordDropped(job, ctx.Err())
		return ctx.Err()
	}
}

func (p *Pipeline) isStopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store == nil {
		return
	}
	optsJSON, _ := json.Marshal(job.Options)
	_ = p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      "queued",
		Stack:       job.Stack,
		InputPath:   job.InputPath,
		OptionsJSON: string(optsJSON),
	})
}

func (p *Pipeline) recordDropped(job Job, err error) {
	if p.store != nil {
		_ = p.store.RecordJobResult(job.ID, "cancelled", nil, err.Error())
	}
}

// Stop signals workers to exit and waits for completion. Jobs still queued
// are recorded as cancelled.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.cancel()
		p.wg.Wait()
		for drained := false; !drained; {
			select {
			case job := <-p.jobs:
				p.recordDropped(job, ErrStopped)
			default:
				drained = true
			}
		}
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			if ctx.Err() != nil {
				p.recordDropped(job, ErrStopped)
				return
			}
			start := time.Now()
			logging.LogJobStart(p.log, string(job.Type), job.ID, jobSubject(job), job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			status := "completed"
			if res.Error != nil {
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"input":   job.InputPath,
					"stack":   job.Stack,
					"options": job.Options,
					"worker":  id,
				})
				status = "failed"
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
			}
			p.metrics.JobFinished(string(job.Type), res.Error)

			p.broadcast(res)
		}
	}
}

func jobSubject(job Job) string {
	if job.Stack != "" {
		return job.Stack
	}
	return job.InputPath
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
