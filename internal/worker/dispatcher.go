package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrDispatcherBusy is returned when queued plus running jobs reach capacity.
	ErrDispatcherBusy = errors.New("dispatcher is busy")
	// ErrDispatcherClosed is returned after Close.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

type Config struct {
	Workers   int
	QueueSize int
}

type userQueue struct {
	jobs     []*Job
	enqueued bool
}

// Dispatcher runs upstream calls on a fixed set of workers. Users take turns:
// after one of a user's jobs is handed out the user moves to the back of the
// ready list, so a single busy user cannot starve the others.
type Dispatcher struct {
	log *zap.Logger
	wg  sync.WaitGroup

	mu        sync.Mutex
	cond      *sync.Cond
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // user IDs with queued jobs, in turn order
	positions map[int64]*list.Element
	pending   int // queued plus running
	capacity  int
	closed    bool
}

func NewDispatcher(cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		log:       log.Named("dispatcher"),
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		capacity:  cfg.Workers + cfg.QueueSize,
	}
	d.cond = sync.NewCond(&d.mu)
	for i := 0; i < cfg.Workers; i++ {
		NewWorker(i+1, d).Start()
	}
	return d
}

// Do runs fn on a worker and waits for it. If ctx ends while the job is still
// queued, the job is dropped and ctx.Err() is returned; once fn has started Do
// waits for it to return.
func (d *Dispatcher) Do(ctx context.Context, userID int64, fn func(context.Context)) error {
	job := newJob(ctx, userID, fn)
	if err := d.submit(job); err != nil {
		return err
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		if job.abandon() {
			return ctx.Err()
		}
		<-job.done
		return nil
	}
}

func (d *Dispatcher) submit(job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.pending >= d.capacity {
		d.log.Warn("dispatcher at capacity", zap.Int64("user_id", job.userID), zap.Int("pending", d.pending))
		return ErrDispatcherBusy
	}
	d.pending++

	q := d.queues[job.userID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.userID] = q
	}
	q.jobs = append(q.jobs, job)
	if !q.enqueued {
		q.enqueued = true
		d.positions[job.userID] = d.ready.PushBack(job.userID)
	}
	d.cond.Signal()
	return nil
}

// next blocks until a job is ready or the dispatcher is closed and drained.
func (d *Dispatcher) next() (*Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.ready.Len() == 0 {
		if d.closed {
			return nil, false
		}
		d.cond.Wait()
	}
	elem := d.ready.Front()
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.pending--
	d.mu.Unlock()
}

// Pending reports queued plus running jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Close stops accepting jobs, lets the workers drain what is queued and waits
// for them to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}
