package work

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finchtail/lurker/internal/logging"
)

// Pool runs tasks with bounded concurrency. At most `workers` tasks run
// at once; the rest wait in a priority heap, so visible media always
// outranks prefetch and queued work can be promoted or cancelled while
// it waits.
type Pool struct {
	mu      sync.RWMutex
	workers int
	started bool
	stopped bool

	pending pendingQueue
	byID    map[string]*Task // pending and active tasks
	active  map[string]*Task
	history *RingBuffer

	wake chan struct{}

	subscribers   []chan Event
	subscribersMu sync.RWMutex

	totalCreated   int64
	totalCompleted int64
	totalFailed    int64
	totalCancelled int64

	nextID int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool with the specified concurrency.
// If workers <= 0, uses runtime.NumCPU().
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Pool{
		workers: workers,
		byID:    make(map[string]*Task),
		active:  make(map[string]*Task),
		history: NewRingBuffer(100),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the dispatcher. Calling Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		logging.Debug("Work pool already started")
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()

	logging.Info("Work pool started", "workers", p.workers)
}

// Stop cancels active tasks, waits for them to observe cancellation, and
// discards anything still pending. Safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.drainPending()

	logging.Info("Work pool stopped",
		"created", atomic.LoadInt64(&p.totalCreated),
		"completed", atomic.LoadInt64(&p.totalCompleted),
		"failed", atomic.LoadInt64(&p.totalFailed),
		"cancelled", atomic.LoadInt64(&p.totalCancelled))
}

// Submit queues a task and returns its ID.
func (p *Pool) Submit(task *Task) string {
	task.ID = p.generateID()
	task.Status = StatusPending
	task.CreatedAt = time.Now()

	p.mu.Lock()
	heap.Push(&p.pending, task)
	p.byID[task.ID] = task
	atomic.AddInt64(&p.totalCreated, 1)
	p.mu.Unlock()

	p.notify(Event{Task: task, Change: "created"})

	select {
	case p.wake <- struct{}{}:
	default:
	}

	return task.ID
}

// SubmitFunc queues simple work at normal priority.
func (p *Pool) SubmitFunc(typ Type, desc string, fn func(ctx context.Context) (string, error)) string {
	return p.SubmitFuncWithPriority(typ, desc, PriorityNormal, fn)
}

// SubmitFuncWithPriority queues simple work at the given priority.
func (p *Pool) SubmitFuncWithPriority(typ Type, desc string, priority int, fn func(ctx context.Context) (string, error)) string {
	return p.Submit(&Task{
		Type:        typ,
		Description: desc,
		Priority:    priority,
		workFn:      fn,
	})
}

// SubmitWithProgress queues work that reports progress, tagged with a
// content key so queue rows can be tied back to feed items.
func (p *Pool) SubmitWithProgress(typ Type, desc, contentKey string, priority int, fn func(ctx context.Context, progress func(pct float64, msg string)) (string, error)) string {
	task := &Task{
		Type:        typ,
		Description: desc,
		ContentKey:  contentKey,
		Priority:    priority,
	}

	task.workFn = func(ctx context.Context) (string, error) {
		return fn(ctx, func(pct float64, msg string) {
			p.mu.Lock()
			task.Progress = pct
			task.ProgressMsg = msg
			p.mu.Unlock()
			p.notify(Event{Task: task, Change: "progress"})
		})
	}

	return p.Submit(task)
}

// Cancel abandons a task. Pending tasks leave the queue immediately;
// active tasks have their context cancelled and finish cooperatively.
// Returns false if the task is unknown or already finished.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	task, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return false
	}

	if task.Status == StatusPending {
		p.pending.remove(task)
		p.finishLocked(task, "", context.Canceled)
		p.mu.Unlock()
		p.notify(Event{Task: task, Change: "cancelled"})
		return true
	}

	// Active: signal and let the work function observe it.
	cancel := task.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// UpdatePriority changes a pending task's priority in place.
// Returns false if the task is unknown or already dispatched.
func (p *Pool) UpdatePriority(id string, priority int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.byID[id]
	if !ok {
		return false
	}
	return p.pending.reprioritize(task, priority)
}

// run moves pending tasks to execution as capacity frees up.
func (p *Pool) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.dispatchPending()
		case <-p.wake:
			p.dispatchPending()
		}
	}
}

// dispatchPending starts queued tasks while worker capacity is available.
func (p *Pool) dispatchPending() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.pending.Len() > 0 && len(p.active) < p.workers {
		task := heap.Pop(&p.pending).(*Task)

		task.Status = StatusActive
		task.StartedAt = time.Now()
		p.active[task.ID] = task

		ctx, cancel := context.WithCancel(p.ctx)
		task.cancel = cancel

		p.notify(Event{Task: task, Change: "started"})

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer cancel()
			p.execute(ctx, task)
		}()
	}
}

// execute runs a single task with panic recovery.
func (p *Pool) execute(ctx context.Context, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Task panicked",
				"id", task.ID,
				"panic", r)
			p.finish(task, "", fmt.Errorf("panic: %v", r))
		}
	}()

	if task.workFn == nil {
		p.finish(task, "", errors.New("no work function"))
		return
	}

	result, err := task.workFn(ctx)
	p.finish(task, result, err)
}

// finish records a task's outcome and moves it to history.
func (p *Pool) finish(task *Task, result string, err error) {
	p.mu.Lock()
	p.finishLocked(task, result, err)
	status := task.Status
	p.mu.Unlock()

	change := "completed"
	switch status {
	case StatusFailed:
		change = "failed"
	case StatusCancelled:
		change = "cancelled"
	}
	p.notify(Event{Task: task, Change: change})
}

func (p *Pool) finishLocked(task *Task, result string, err error) {
	task.FinishedAt = time.Now()
	task.Result = result
	task.Error = err

	switch {
	case err == nil:
		task.Status = StatusComplete
		atomic.AddInt64(&p.totalCompleted, 1)
	case errors.Is(err, context.Canceled):
		task.Status = StatusCancelled
		atomic.AddInt64(&p.totalCancelled, 1)
	default:
		task.Status = StatusFailed
		atomic.AddInt64(&p.totalFailed, 1)
	}

	delete(p.active, task.ID)
	delete(p.byID, task.ID)
	p.history.Push(task)
}

// drainPending cancels everything still queued at shutdown.
func (p *Pool) drainPending() {
	p.mu.Lock()
	var drained []*Task
	for p.pending.Len() > 0 {
		task := heap.Pop(&p.pending).(*Task)
		p.finishLocked(task, "", context.Canceled)
		drained = append(drained, task)
	}
	p.mu.Unlock()

	for _, task := range drained {
		p.notify(Event{Task: task, Change: "cancelled"})
	}
}

// Snapshot returns a copy of the pool state for display. Tasks in the
// snapshot are detached copies; mutating them has no effect on the pool.
func (p *Pool) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pending := make([]*Task, 0, p.pending.Len())
	for _, task := range p.pending {
		c := *task
		pending = append(pending, &c)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	active := make([]*Task, 0, len(p.active))
	for _, task := range p.active {
		c := *task
		active = append(active, &c)
	}

	finished := p.history.All()
	completed := make([]*Task, len(finished))
	for i, task := range finished {
		c := *task
		completed[i] = &c
	}

	return Snapshot{
		Pending:   pending,
		Active:    active,
		Completed: completed,
		Stats:     p.statsLocked(),
	}
}

// ClearHistory drops the finished-task history shown in the queue view.
func (p *Pool) ClearHistory() {
	p.history.Clear()
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		TotalCreated:   atomic.LoadInt64(&p.totalCreated),
		TotalCompleted: atomic.LoadInt64(&p.totalCompleted),
		TotalFailed:    atomic.LoadInt64(&p.totalFailed),
		TotalCancelled: atomic.LoadInt64(&p.totalCancelled),
		WorkersActive:  len(p.active),
		WorkersTotal:   p.workers,
		PendingCount:   p.pending.Len(),
	}
}

// PendingCount returns the number of queued tasks.
func (p *Pool) PendingCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pending.Len()
}

// ActiveCount returns the number of running tasks.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

// Subscribe returns a channel receiving task events. The channel should
// be drained to avoid dropped events.
func (p *Pool) Subscribe() <-chan Event {
	ch := make(chan Event, 100)
	p.subscribersMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.subscribersMu.Unlock()
	logging.Debug("Work pool subscriber added", "total", len(p.subscribers))
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (p *Pool) Unsubscribe(ch <-chan Event) {
	p.subscribersMu.Lock()
	defer p.subscribersMu.Unlock()

	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			close(sub)
			logging.Debug("Work pool subscriber removed", "total", len(p.subscribers))
			return
		}
	}
}

// notify sends an event to all subscribers, dropping on full channels.
func (p *Pool) notify(event Event) {
	LogEvent(event)

	p.subscribersMu.RLock()
	defer p.subscribersMu.RUnlock()

	for _, ch := range p.subscribers {
		select {
		case ch <- event:
		default:
			logging.Debug("Work event dropped (subscriber full)",
				"id", event.Task.ID,
				"change", event.Change)
		}
	}
}

func (p *Pool) generateID() string {
	id := atomic.AddInt64(&p.nextID, 1)
	return fmt.Sprintf("t%d", id)
}
