package worker

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	jobQueued int32 = iota
	jobRunning
	jobCancelled
)

// Job is one unit of upstream work submitted on behalf of a user.
type Job struct {
	userID int64
	ctx    context.Context
	fn     func(context.Context)
	state  atomic.Int32
	done   chan struct{}
}

func newJob(ctx context.Context, userID int64, fn func(context.Context)) *Job {
	return &Job{userID: userID, ctx: ctx, fn: fn, done: make(chan struct{})}
}

// claim moves a queued job to running. It fails when the submitter gave up.
func (j *Job) claim() bool {
	return j.state.CompareAndSwap(jobQueued, jobRunning)
}

// abandon marks a queued job as cancelled. It fails when a worker already
// picked the job up.
func (j *Job) abandon() bool {
	return j.state.CompareAndSwap(jobQueued, jobCancelled)
}

// Worker pulls jobs from the dispatcher until it is closed.
type Worker struct {
	id         int
	dispatcher *Dispatcher
	log        *zap.Logger
}

func NewWorker(id int, d *Dispatcher) *Worker {
	return &Worker{id: id, dispatcher: d, log: d.log.With(zap.Int("worker", id))}
}

func (w *Worker) Start() {
	w.dispatcher.wg.Add(1)
	go func() {
		defer w.dispatcher.wg.Done()
		for {
			job, ok := w.dispatcher.next()
			if !ok {
				return
			}
			w.run(job)
			w.dispatcher.finish()
		}
	}()
}

func (w *Worker) run(job *Job) {
	defer close(job.done)
	if !job.claim() {
		return
	}
	if job.ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job panicked", zap.Int64("user_id", job.userID), zap.Any("panic", r))
		}
	}()
	w.log.Debug("job started", zap.Int64("user_id", job.userID))
	job.fn(job.ctx)
}
