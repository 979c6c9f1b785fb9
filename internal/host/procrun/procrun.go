// Package procrun implements host.TaskRunner by running configured shell
// commands. It keeps at most one run per task name.
package procrun

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/pushtrigger/internal/host"
	"github.com/austindbirch/pushtrigger/internal/logging"
)

var ErrStopTimeout = errors.New("procrun: task did not exit before the stop timeout")

// Runner maps task names to shell command lines
type Runner struct {
	shell  string
	tasks  map[string]string
	logger *logging.Logger

	mu   sync.Mutex
	runs map[string]*process
}

func New(shell string, tasks map[string]string, logger *logging.Logger) *Runner {
	if shell == "" {
		shell = "/bin/sh"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	copied := make(map[string]string, len(tasks))
	for k, v := range tasks {
		copied[k] = v
	}
	return &Runner{
		shell:  shell,
		tasks:  copied,
		logger: logger,
		runs:   make(map[string]*process),
	}
}

type process struct {
	id   string
	task string
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *process) ID() string            { return p.id }
func (p *process) Task() string          { return p.task }
func (p *process) Done() <-chan struct{} { return p.done }

// signal delivers sig to the whole process group of the run
func (p *process) signal(sig syscall.Signal) error {
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

// ListTasks returns the configured task names, sorted
func (r *Runner) ListTasks(context.Context, host.Workspace) ([]string, error) {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// FindRunning returns the live run of task, if any
func (r *Runner) FindRunning(task string) (host.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.runs[task]
	if !ok {
		return nil, false
	}
	select {
	case <-p.done:
		return nil, false
	default:
		return p, true
	}
}

// Stop sends SIGTERM to the run's process group and waits up to timeout,
// then kills the group. It returns ErrStopTimeout if it had to kill.
func (r *Runner) Stop(ctx context.Context, run host.Run, timeout time.Duration) error {
	p, ok := run.(*process)
	if !ok {
		return fmt.Errorf("procrun: foreign run handle %T", run)
	}

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.signal(syscall.SIGTERM); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		_ = p.signal(syscall.SIGKILL)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = p.signal(syscall.SIGKILL)
	return ErrStopTimeout
}

// Start launches task in the workspace directory. The run is not tied to
// ctx: it keeps running after the caller returns.
func (r *Runner) Start(ctx context.Context, ws host.Workspace, task string) (host.Run, error) {
	line, ok := r.tasks[task]
	if !ok {
		return nil, fmt.Errorf("procrun: unknown task %q", task)
	}

	p := &process{
		id:   uuid.NewString(),
		task: task,
		done: make(chan struct{}),
	}
	p.cmd = exec.Command(r.shell, "-c", line)
	p.cmd.Dir = ws.Dir
	// own process group so a stop reaches the children of the shell too
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("procrun: stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("procrun: stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("procrun: start %s: %w", task, err)
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go r.forward(&pipes, p, "stdout", stdout)
	go r.forward(&pipes, p, "stderr", stderr)

	r.mu.Lock()
	r.runs[task] = p
	r.mu.Unlock()

	go func() {
		pipes.Wait()
		p.err = p.cmd.Wait()
		close(p.done)

		r.mu.Lock()
		if r.runs[task] == p {
			delete(r.runs, task)
		}
		r.mu.Unlock()

		entry := r.logger.WithContext(ctx).WithTask(task).WithField("run_id", p.id)
		if p.err != nil {
			entry.WithError(p.err).Warn("task exited")
			return
		}
		entry.Info("task finished")
	}()

	r.logger.WithContext(ctx).WithTask(task).
		WithFields(map[string]any{"run_id": p.id, "dir": ws.Dir, "pid": p.cmd.Process.Pid}).
		Info("task started")
	return p, nil
}

// forward logs each output line of a run
func (r *Runner) forward(wg *sync.WaitGroup, p *process, stream string, rd io.Reader) {
	defer wg.Done()
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		r.logger.Plain().WithTask(p.task).
			WithFields(map[string]any{"run_id": p.id, "stream": stream}).
			Debug(sc.Text())
	}
	// Drain the rest so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, rd)
}

var _ host.TaskRunner = (*Runner)(nil)
