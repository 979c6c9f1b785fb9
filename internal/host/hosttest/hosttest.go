// Package hosttest provides in-memory host capabilities for tests.
package hosttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/pushtrigger/internal/host"
)

// VCS is a scripted host.VCS that records every call
type VCS struct {
	Branch    string
	BranchErr error
	Result    host.PullResult
	PullErr   error

	mu    sync.Mutex
	pulls []string
}

func (v *VCS) CurrentBranch(context.Context, string) (string, error) {
	return v.Branch, v.BranchErr
}

func (v *VCS) Pull(_ context.Context, dir string) (host.PullResult, error) {
	v.mu.Lock()
	v.pulls = append(v.pulls, dir)
	v.mu.Unlock()
	return v.Result, v.PullErr
}

// Pulls returns the directories pulled so far
func (v *VCS) Pulls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.pulls...)
}

// Run is a fake task run that finishes when Finish is called
type Run struct {
	id   string
	task string
	done chan struct{}
	once sync.Once
}

func (r *Run) ID() string            { return r.id }
func (r *Run) Task() string          { return r.task }
func (r *Run) Done() <-chan struct{} { return r.done }

// Finish marks the run as exited
func (r *Run) Finish() {
	r.once.Do(func() { close(r.done) })
}

// Runner is an in-memory host.TaskRunner. Stop finishes the run unless
// IgnoreStop is set, in which case Stop reports StopErr after the timeout
// is "spent" instantly.
type Runner struct {
	Tasks      []string
	ListErr    error
	StartErr   error
	IgnoreStop bool
	StopErr    error
	StartDelay time.Duration // held before a started run is registered

	mu      sync.Mutex
	seq     int
	running map[string]*Run
	runs    []*Run
	started []string
	stopped []string
	timeout time.Duration
	calls   []string
}

func NewRunner(tasks ...string) *Runner {
	return &Runner{Tasks: tasks, running: make(map[string]*Run)}
}

func (r *Runner) record(call string) {
	r.calls = append(r.calls, call)
}

func (r *Runner) ListTasks(context.Context, host.Workspace) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("list")
	return append([]string(nil), r.Tasks...), r.ListErr
}

func (r *Runner) FindRunning(task string) (host.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.running[task]
	if !ok {
		return nil, false
	}
	select {
	case <-run.done:
		return nil, false
	default:
		return run, true
	}
}

func (r *Runner) Stop(_ context.Context, run host.Run, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("stop:" + run.Task())
	r.stopped = append(r.stopped, run.ID())
	r.timeout = timeout
	if r.IgnoreStop {
		return r.StopErr
	}
	if fr, ok := run.(*Run); ok {
		fr.Finish()
	}
	return nil
}

func (r *Runner) Start(_ context.Context, ws host.Workspace, task string) (host.Run, error) {
	r.mu.Lock()
	r.record("start:" + task + "@" + ws.Name)
	if r.StartErr != nil {
		r.mu.Unlock()
		return nil, r.StartErr
	}
	r.seq++
	run := &Run{id: fmt.Sprintf("run-%d", r.seq), task: task, done: make(chan struct{})}
	r.runs = append(r.runs, run)
	r.started = append(r.started, task)
	r.mu.Unlock()

	if r.StartDelay > 0 {
		time.Sleep(r.StartDelay)
	}

	r.mu.Lock()
	r.running[task] = run
	r.mu.Unlock()
	return run, nil
}

// Live counts started runs that have not finished
func (r *Runner) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, run := range r.runs {
		select {
		case <-run.done:
		default:
			n++
		}
	}
	return n
}

// Seed registers a run of task as already running
func (r *Runner) Seed(task string) *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	run := &Run{id: fmt.Sprintf("seed-%d", r.seq), task: task, done: make(chan struct{})}
	r.running[task] = run
	return run
}

// Started returns the task names started so far
func (r *Runner) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

// Stopped returns the run IDs stopped so far
func (r *Runner) Stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}

// StopTimeout is the timeout passed to the last Stop
func (r *Runner) StopTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// Calls is the ordered call log
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

var (
	_ host.VCS        = (*VCS)(nil)
	_ host.TaskRunner = (*Runner)(nil)
)
