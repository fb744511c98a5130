package orchestrator

import (
	"context"
	"sync"
	"time"
)

// TaskInfo describes one running orchestration.
type TaskInfo struct {
	CallID    string
	CallerID  string
	StartedAt time.Time
}

type task struct {
	info   TaskInfo
	cancel context.CancelFunc
}

// Registry tracks running orchestrations by call ID. At most one task per
// call ID runs at a time. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*task)}
}

// Go runs fn in a new goroutine unless a task for info.CallID is already
// running, in which case it returns false and fn is not called.
//
// The task context inherits values from ctx but not its cancellation, so the
// task outlives the request that started it. It is cancelled by [Registry.Cancel]
// or [Registry.Shutdown].
func (r *Registry) Go(ctx context.Context, info TaskInfo, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[info.CallID]; ok {
		return false
	}

	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{info: info, cancel: cancel}
	r.tasks[info.CallID] = t
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer r.remove(info.CallID, t)
		defer cancel()
		fn(tctx)
	}()
	return true
}

// Cancel cancels the task for callID. It reports whether a task was running.
// The task is removed from the registry once its goroutine returns.
func (r *Registry) Cancel(callID string) bool {
	r.mu.Lock()
	t, ok := r.tasks[callID]
	r.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// Running reports whether a task for callID is in flight.
func (r *Registry) Running(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[callID]
	return ok
}

// Active returns a snapshot of the running tasks.
func (r *Registry) Active() []TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.info)
	}
	return out
}

// Len returns the number of running tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Shutdown cancels every task and waits for them to return or for ctx to be
// done, whichever comes first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, t := range r.tasks {
		t.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) remove(callID string, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks[callID] == t {
		delete(r.tasks, callID)
	}
}
