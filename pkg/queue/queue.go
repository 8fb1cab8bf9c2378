package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/util"
)

var (
	ErrClosed  = errors.New("queue closed")
	ErrRunning = errors.New("queue already running")
)

// Handler runs one attempt of a job. A nil error completes the job.
type Handler func(ctx context.Context, job Job) error

// FailureHook observes every failed attempt together with the queue's
// decision. It runs once with TerminalFailure when the job is given up on.
type FailureHook func(ctx context.Context, job Job, res Result)

type Options struct {
	Concurrency   int
	MaxAttempts   int
	Backoff       Backoff
	KeepCompleted bool // keep completed job records instead of deleting them
	Clock         util.Clock
	Logger        *zap.SugaredLogger
}

func DefaultOptions() Options {
	return Options{
		Concurrency: 10,
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
	}
}

type Stats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is a durable, at-least-once work queue. A job is persisted before
// Enqueue returns and is owned by at most one worker at a time.
type Queue struct {
	store JobStore
	opts  Options
	log   *zap.SugaredLogger
	clock util.Clock

	mu        sync.Mutex
	ready     schedule        // waiting and delayed jobs
	active    map[string]*Job // dispatched to a worker
	completed int
	failed    int
	closed    bool
	running   bool

	wake chan struct{}
}

// New opens a queue over store, rescheduling whatever the store holds.
// Jobs left active by a crash are run again from the start.
func New(store JobStore, opts Options) (*Queue, error) {
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	q := &Queue{
		store:  store,
		opts:   opts,
		log:    util.OrNop(opts.Logger),
		clock:  opts.Clock,
		active: make(map[string]*Job),
		wake:   make(chan struct{}, 1),
	}

	jobs, err := store.LoadJobs()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	now := q.clock.Now().UTC()
	recovered := 0
	for i := range jobs {
		job := jobs[i]
		switch job.State {
		case StateCompleted:
			q.completed++
			continue
		case StateFailed:
			q.failed++
			continue
		case StateActive:
			job.State = StateWaiting
			job.NextRunAt = now
			job.UpdatedAt = now
			if err := store.SaveJob(job); err != nil {
				return nil, fmt.Errorf("recover job %s: %w", job.ID, err)
			}
			recovered++
		}
		heap.Push(&q.ready, &job)
	}
	if len(q.ready) > 0 {
		q.log.Infow("queue_restored", "pending", len(q.ready), "recovered_active", recovered)
	}
	return q, nil
}

// Enqueue validates and durably records a job for o, returning its id.
func (q *Queue) Enqueue(ctx context.Context, o order.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := o.Validate(); err != nil {
		return "", err
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	now := q.clock.Now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Order:       o,
		MaxAttempts: q.opts.MaxAttempts,
		State:       StateWaiting,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.SaveJob(*job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	q.mu.Lock()
	heap.Push(&q.ready, job)
	q.mu.Unlock()
	q.signal()

	q.log.Debugw("job_enqueued", "job_id", job.ID, "order_id", o.ID, "symbol", o.Symbol)
	return job.ID, nil
}

// Run dispatches jobs to Concurrency workers until ctx is done, then waits
// for in-flight handlers to return.
func (q *Queue) Run(ctx context.Context, h Handler, onFailure FailureHook) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrRunning
	}
	q.running = true
	q.mu.Unlock()

	work := make(chan *Job)
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				q.process(ctx, job, h, onFailure)
			}
		}()
	}
	q.log.Infow("queue_started", "concurrency", q.opts.Concurrency, "max_attempts", q.opts.MaxAttempts)

	q.dispatch(ctx, work)
	close(work)
	wg.Wait()

	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	q.log.Infow("queue_stopped")
	return ctx.Err()
}

// Close stops accepting new jobs. Jobs already queued stay persisted.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Count returns the number of jobs waiting to run, including delayed retries.
// It is meant for observability only.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{Active: len(q.active), Completed: q.completed, Failed: q.failed}
	for _, j := range q.ready {
		if j.State == StateDelayed {
			st.Delayed++
		} else {
			st.Waiting++
		}
	}
	return st
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch(ctx context.Context, work chan<- *Job) {
	for {
		job, wait, scheduled := q.take()
		if job != nil {
			select {
			case work <- job:
				continue
			case <-ctx.Done():
				q.release(job)
				return
			}
		}

		var timer <-chan time.Time
		if scheduled {
			timer = q.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer:
		}
	}
}

// take pops the next due job and marks it active. When nothing is due it
// reports how long until the earliest scheduled job.
func (q *Queue) take() (*Job, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		wait, ok := q.ready.dueIn(q.clock.Now())
		if !ok || wait > 0 {
			return nil, wait, ok
		}
		job := heap.Pop(&q.ready).(*Job)
		if _, busy := q.active[job.ID]; busy {
			continue
		}
		q.active[job.ID] = job
		return job, 0, true
	}
}

// release hands a dispatched-but-unstarted job back to the schedule.
func (q *Queue) release(job *Job) {
	q.mu.Lock()
	delete(q.active, job.ID)
	heap.Push(&q.ready, job)
	q.mu.Unlock()
}

func (q *Queue) process(ctx context.Context, job *Job, h Handler, onFailure FailureHook) {
	q.mu.Lock()
	job.Attempts++
	job.State = StateActive
	job.UpdatedAt = q.clock.Now().UTC()
	snapshot := *job
	q.mu.Unlock()
	if err := q.store.SaveJob(snapshot); err != nil {
		q.log.Warnw("job_persist_failed", "job_id", job.ID, "err", err)
	}

	err := q.invoke(ctx, h, snapshot)
	res, settled, aborted := q.settle(ctx, job, err)
	if aborted {
		q.log.Infow("job_interrupted", "job_id", job.ID, "order_id", job.Order.ID)
		q.requeue(job)
		return
	}

	switch res.Outcome {
	case Completed:
		q.log.Infow("job_completed", "job_id", job.ID, "order_id", job.Order.ID, "attempts", settled.Attempts)
		return
	case RetryableFailure:
		q.log.Warnw("job_attempt_failed", "job_id", job.ID, "order_id", job.Order.ID,
			"attempt", settled.Attempts, "max_attempts", settled.MaxAttempts, "retry_in", res.RetryIn, "err", err)
	case TerminalFailure:
		q.log.Errorw("job_failed", "job_id", job.ID, "order_id", job.Order.ID,
			"attempts", settled.Attempts, "permanent", IsPermanent(err), "err", err)
	}
	if onFailure != nil {
		onFailure(ctx, settled, res)
	}
	// The hook's effects land before the next attempt can start.
	if res.Outcome == RetryableFailure {
		q.requeue(job)
	}
}

func (q *Queue) requeue(job *Job) {
	q.mu.Lock()
	heap.Push(&q.ready, job)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) invoke(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// settle records the attempt's outcome. The caller requeues a job only
// after its new state is persisted, so store writes for one job never race.
func (q *Queue) settle(ctx context.Context, job *Job, err error) (Result, Job, bool) {
	now := q.clock.Now().UTC()
	var res Result
	aborted := false

	q.mu.Lock()
	delete(q.active, job.ID)
	switch {
	case err == nil:
		job.State = StateCompleted
		job.LastError = ""
		q.completed++
		res = Result{Outcome: Completed}
	case ctx.Err() != nil:
		// Shutdown interrupted the attempt; it does not count.
		job.Attempts--
		job.State = StateWaiting
		job.NextRunAt = now
		aborted = true
	case IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		job.State = StateFailed
		job.LastError = err.Error()
		q.failed++
		res = Result{Outcome: TerminalFailure, Err: err}
	default:
		delay := q.opts.Backoff.Delay(job.Attempts - 1)
		job.State = StateDelayed
		job.NextRunAt = now.Add(delay)
		job.LastError = err.Error()
		res = Result{Outcome: RetryableFailure, Err: err, RetryIn: delay}
	}
	job.UpdatedAt = now
	snapshot := *job
	q.mu.Unlock()

	var perr error
	if snapshot.State == StateCompleted && !q.opts.KeepCompleted {
		perr = q.store.DeleteJob(snapshot.ID)
	} else {
		perr = q.store.SaveJob(snapshot)
	}
	if perr != nil {
		q.log.Warnw("job_persist_failed", "job_id", snapshot.ID, "state", snapshot.State, "err", perr)
	}
	return res, snapshot, aborted
}
