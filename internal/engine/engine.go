package engine

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// Hooks lets a caller observe task lifecycle events without the engine
// depending on any particular metrics library.
type Hooks struct {
	OnRetry    func(taskID string, attempt int)
	OnComplete func(outcome Outcome, duration time.Duration)
}

// Engine is a bounded worker pool with priority-ordered ready/pending
// queues, predecessor gating, per-task retry budgets, and a shared
// results map. It knows nothing about what work it runs.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond

	ready   readyHeap
	pending []*entry
	seq     uint64

	results map[string]Outcome

	maxWorkers int
	free       []bool
	assigned   []*entry
	running    int

	stopped bool
	wg      sync.WaitGroup

	hooks Hooks
}

// New constructs an engine with a fixed worker count and starts its
// background worker, gating, and dispatch goroutines immediately — Submit
// may be called before Run.
func New(maxWorkers int, hooks Hooks) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	e := &Engine{
		results:    make(map[string]Outcome),
		maxWorkers: maxWorkers,
		free:       make([]bool, maxWorkers),
		assigned:   make([]*entry, maxWorkers),
		hooks:      hooks,
	}
	e.cond = sync.NewCond(&e.mu)
	for i := range e.free {
		e.free[i] = true
	}

	e.wg.Add(maxWorkers + 2)
	for i := 0; i < maxWorkers; i++ {
		go e.workerLoop(i)
	}
	go e.gatingLoop()
	go e.dispatchLoop()
	return e
}

// Submit enqueues a task descriptor. Safe to call from any goroutine,
// including from within a task's Work or Callback (reentrant submission).
func (e *Engine) Submit(t Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	en := &entry{task: t, priority: t.Priority, seq: e.seq}
	e.seq++
	if len(t.PreTasks) == 0 {
		heap.Push(&e.ready, en)
	} else {
		e.pending = append(e.pending, en)
	}
	e.cond.Broadcast()
}

// Run blocks until the engine is quiescent (no ready, pending, or
// dispatched work and every worker free), Shutdown has been called, or ctx
// is cancelled, whichever comes first. It does not shut the engine down.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		case <-watchDone:
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.quiescentLocked() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.cond.Wait()
	}
	return nil
}

// Shutdown sets the stop flag, wakes every waiter, and joins all
// background goroutines. Idempotent: a repeated call only joins.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		e.cond.Broadcast()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Results returns a snapshot copy of the results map.
func (e *Engine) Results() map[string]Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Outcome, len(e.results))
	for k, v := range e.results {
		out[k] = v
	}
	return out
}

func (e *Engine) quiescentLocked() bool {
	return e.stopped || (e.ready.Len() == 0 && len(e.pending) == 0 && e.running == 0)
}

func (e *Engine) preTasksSatisfiedLocked(pre []string) bool {
	for _, id := range pre {
		if _, ok := e.results[id]; !ok {
			return false
		}
	}
	return true
}

// gatingLoop migrates every pending descriptor whose predecessors are all
// present in the results map into the ready heap, draining the whole
// pending slice per wake rather than one entry at a time (see
// DESIGN.md / REDESIGN FLAGS).
func (e *Engine) gatingLoop() {
	defer e.wg.Done()
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.stopped {
		if len(e.pending) > 0 {
			remaining := e.pending[:0]
			moved := false
			for _, pe := range e.pending {
				if e.preTasksSatisfiedLocked(pe.task.PreTasks) {
					heap.Push(&e.ready, pe)
					moved = true
				} else {
					remaining = append(remaining, pe)
				}
			}
			e.pending = remaining
			if moved {
				e.cond.Broadcast()
			}
		}
		e.cond.Wait()
	}
}

// dispatchLoop hands ready tasks to free worker slots. Workers never pull
// from the ready heap themselves.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.stopped {
		dispatched := false
		for e.ready.Len() > 0 {
			idx := e.firstFreeLocked()
			if idx < 0 {
				break
			}
			t := heap.Pop(&e.ready).(*entry)
			e.free[idx] = false
			e.assigned[idx] = t
			e.running++
			dispatched = true
		}
		if dispatched {
			e.cond.Broadcast()
		}
		e.cond.Wait()
	}
}

func (e *Engine) firstFreeLocked() int {
	for i, f := range e.free {
		if f {
			return i
		}
	}
	return -1
}

// workerLoop runs one dispatch slot: wait for an assigned task, execute
// its retry loop, record the result, run its callback, then go free. The
// worker stays counted in `running` and its slot stays occupied until
// the callback returns, so a callback's own reentrant Submit is enqueued
// before quiescence can be observed (mirrors original_source's
// task_queue.py, which only returns a worker to free_threads after its
// callback runs).
func (e *Engine) workerLoop(id int) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for e.assigned[id] == nil && !e.stopped {
			e.cond.Wait()
		}
		t := e.assigned[id]
		if t == nil {
			e.mu.Unlock()
			return
		}
		e.assigned[id] = nil
		e.mu.Unlock()

		start := time.Now()
		outcome := e.execute(t)

		e.mu.Lock()
		e.results[t.task.ID] = outcome
		e.mu.Unlock()

		if e.hooks.OnComplete != nil {
			e.hooks.OnComplete(outcome, time.Since(start))
		}
		if t.task.Callback != nil {
			t.task.Callback(outcome)
		}

		e.mu.Lock()
		e.running--
		e.free[id] = true
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

// execute runs a task's retry loop on the calling worker goroutine. No
// backoff is enforced here — any backoff lives inside Work.
func (e *Engine) execute(t *entry) Outcome {
	ctx := context.Background()
	maxRetries := t.task.MaxRetries
	var lastErr error
	attempts := 0

	for maxRetries == -1 || attempts <= maxRetries {
		if maxRetries == -1 && e.stoppedSnapshot() {
			break
		}
		attempts++
		v, err := e.callWork(ctx, t.task.Work)
		if err == nil {
			return Outcome{TaskID: t.task.ID, Value: v, Attempts: attempts}
		}
		lastErr = err
		if e.hooks.OnRetry != nil && (maxRetries == -1 || attempts <= maxRetries) {
			e.hooks.OnRetry(t.task.ID, attempts)
		}
	}
	return Outcome{TaskID: t.task.ID, Err: fmt.Errorf("task %s: %w", t.task.ID, lastErr), Attempts: attempts}
}

func (e *Engine) stoppedSnapshot() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Stopped reports whether Shutdown has been called. Long-running task
// bodies should poll this cooperatively (spec §5, "Cancellation &
// timeouts").
func (e *Engine) Stopped() bool {
	return e.stoppedSnapshot()
}

// Running reports the number of tasks currently dispatched to a worker
// slot. Callers use this to sample dispatch parallelism.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// callWork invokes Work, converting a panic into an error so a
// misbehaving task can never take down a worker goroutine.
func (e *Engine) callWork(ctx context.Context, w Work) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w(ctx)
}
