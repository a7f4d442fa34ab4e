package orchestrator

import (
	"context"
	"sync"
)

// synthesisTask is one sentence queued for synthesis, tagged with its
// 1-based position in the reply.
type synthesisTask struct {
	Text     string
	Sequence int
}

// dispatcher serializes synthesis work: a single worker goroutine drains
// a FIFO of tasks, so audio for sentence N is fully emitted before
// synthesis of sentence N+1 begins regardless of backend latency.
type dispatcher struct {
	run   func(ctx context.Context, task synthesisTask)
	ctx   context.Context
	tasks chan synthesisTask
	wg    sync.WaitGroup

	mu      sync.Mutex
	seq     int
	closed  bool
	aborted bool
	done    chan struct{}
}

// newDispatcher starts the worker. ctx cancellation abandons outstanding
// units: the worker still drains the queue, but run implementations are
// expected to return promptly once ctx is done.
func newDispatcher(ctx context.Context, run func(ctx context.Context, task synthesisTask)) *dispatcher {
	d := &dispatcher{
		run:   run,
		ctx:   ctx,
		tasks: make(chan synthesisTask, 64),
		done:  make(chan struct{}),
	}
	go d.worker()
	return d
}

func (d *dispatcher) worker() {
	defer close(d.done)
	for task := range d.tasks {
		if d.ctx.Err() == nil && !d.abandoned() {
			d.run(d.ctx, task)
		}
		d.wg.Done()
	}
}

func (d *dispatcher) abandoned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

// Enqueue appends one sentence to the chain and returns its sequence
// index. Returns false after Close. The send happens under the mutex so
// a concurrent Close cannot close the channel between the closed check
// and the send; the worker drains without the lock, so a blocked send
// still makes progress.
func (d *dispatcher) Enqueue(text string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, false
	}
	d.seq++
	task := synthesisTask{Text: text, Sequence: d.seq}
	d.wg.Add(1)

	select {
	case d.tasks <- task:
		return task.Sequence, true
	case <-d.ctx.Done():
		d.wg.Done()
		return 0, false
	}
}

// Wait blocks until every enqueued unit has executed.
func (d *dispatcher) Wait() {
	d.wg.Wait()
}

// Count returns how many sentences have been enqueued.
func (d *dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Close stops accepting work and lets the worker exit once the queue is
// drained. Idempotent.
func (d *dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.tasks)
}

// Abort stops accepting work and drops queued units without running
// them. A unit already executing finishes on its own. Idempotent.
func (d *dispatcher) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborted = true
	if d.closed {
		return
	}
	d.closed = true
	close(d.tasks)
}
