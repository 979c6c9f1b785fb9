package effects

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pushtrigger/internal/host"
	"github.com/austindbirch/pushtrigger/internal/logging"
	"github.com/austindbirch/pushtrigger/internal/tracing"
)

const (
	RerunName          = "rerun"
	DefaultStopTimeout = 3 * time.Second
)

var (
	ErrNoWorkspace  = errors.New("no open workspace")
	ErrTaskNotFound = errors.New("task not found")
)

// Rerun restarts the target task in the first open workspace, pulling
// first when that workspace is on the target branch. Reruns of the same
// task are serialized so a stop always sees the run started before it.
type Rerun struct {
	workspaces  host.Workspaces
	vcs         host.VCS
	tasks       host.TaskRunner
	stopTimeout time.Duration
	logger      *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRerun builds the rerun effect. A nil vcs skips the pull step.
func NewRerun(ws host.Workspaces, vcs host.VCS, tasks host.TaskRunner, stopTimeout time.Duration, logger *logging.Logger) *Rerun {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Rerun{
		workspaces:  ws,
		vcs:         vcs,
		tasks:       tasks,
		stopTimeout: stopTimeout,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (r *Rerun) taskLock(task string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[task]
	if !ok {
		l = &sync.Mutex{}
		r.locks[task] = l
	}
	return l
}

func (r *Rerun) Name() string { return RerunName }

func (r *Rerun) Enabled(Trigger) bool { return true }

func (r *Rerun) Run(ctx context.Context, t Trigger) error {
	task := t.Config.TargetTaskName
	ctx, span := tracing.StartSpan(ctx, "effect.rerun",
		attribute.String("trigger.id", t.ID),
		attribute.String("task", task),
		attribute.String("branch", t.Config.TargetBranch),
	)
	defer span.End()

	open, err := r.workspaces.Open(ctx)
	if err != nil {
		err = fmt.Errorf("list workspaces: %w", err)
		tracing.SetSpanError(ctx, err)
		return err
	}
	if len(open) == 0 {
		tracing.SetSpanError(ctx, ErrNoWorkspace)
		return ErrNoWorkspace
	}
	ws := open[0]
	span.SetAttributes(attribute.String("workspace", ws.Name))

	lock := r.taskLock(task)
	lock.Lock()
	defer lock.Unlock()

	if r.vcs != nil {
		r.pull(ctx, ws, t)
	}

	names, err := r.tasks.ListTasks(ctx, ws)
	if err != nil {
		err = fmt.Errorf("list tasks in %s: %w", ws.Name, err)
		tracing.SetSpanError(ctx, err)
		return err
	}
	if !contains(names, task) {
		err := fmt.Errorf("%w: %q in %s", ErrTaskNotFound, task, ws.Name)
		tracing.SetSpanError(ctx, err)
		return err
	}

	if running, ok := r.tasks.FindRunning(task); ok {
		tracing.AddSpanEvent(ctx, "task.stop", attribute.String("run_id", running.ID()))
		if err := r.tasks.Stop(ctx, running, r.stopTimeout); err != nil {
			// proceed with the restart regardless
			r.logger.WithContext(ctx).WithTrigger(t.ID).WithTask(task).WithError(err).
				Warn("previous run did not stop cleanly")
		}
	}

	run, err := r.tasks.Start(ctx, ws, task)
	if err != nil {
		err = fmt.Errorf("start %s: %w", task, err)
		tracing.SetSpanError(ctx, err)
		return err
	}

	tracing.AddSpanEvent(ctx, "task.started", attribute.String("run_id", run.ID()))
	r.logger.WithContext(ctx).WithTrigger(t.ID).WithTask(task).
		WithFields(map[string]any{"workspace": ws.Name, "run_id": run.ID()}).
		Info("task restarted")
	return nil
}

// pull updates the workspace when it is on the target branch. Its outcome
// is diagnostic only.
func (r *Rerun) pull(ctx context.Context, ws host.Workspace, t Trigger) {
	entry := func() *logging.LogEntry {
		return r.logger.WithContext(ctx).WithTrigger(t.ID).WithField("workspace", ws.Name)
	}

	branch, err := r.vcs.CurrentBranch(ctx, ws.Dir)
	if err != nil {
		entry().WithError(err).Warn("could not determine current branch, skipping pull")
		return
	}
	if branch != t.Config.TargetBranch {
		entry().WithFields(map[string]any{"current_branch": branch, "target_branch": t.Config.TargetBranch}).
			Info("workspace not on target branch, skipping pull")
		return
	}

	res, err := r.vcs.Pull(ctx, ws.Dir)
	tracing.AddSpanEvent(ctx, "vcs.pull", attribute.Int("exit_code", res.ExitCode))
	if err != nil {
		entry().WithError(err).Error("git pull could not run")
		return
	}
	e := entry().WithFields(map[string]any{"exit_code": res.ExitCode, "output": res.Output})
	if res.ExitCode != 0 {
		e.Warn("git pull failed")
		return
	}
	e.Info("git pull finished")
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
