// Package host defines the capabilities the trigger effects call into: open
// workspaces, version control and the task runner. Concrete adapters live in
// the gitcli and procrun subpackages; tests supply fakes.
package host

import (
	"context"
	"path/filepath"
	"time"
)

// Workspace is an open working copy that tasks run in
type Workspace struct {
	Name string
	Dir  string
}

// Workspaces lists the currently open workspaces in priority order
type Workspaces interface {
	Open(ctx context.Context) ([]Workspace, error)
}

// PullResult is the diagnostic outcome of a pull
type PullResult struct {
	Output   string
	ExitCode int
}

// VCS queries and updates a working copy
type VCS interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
	// Pull reports a non-zero exit through PullResult; err is reserved for
	// failing to run the pull at all.
	Pull(ctx context.Context, dir string) (PullResult, error)
}

// Run is a handle on one running task instance
type Run interface {
	ID() string
	Task() string
	Done() <-chan struct{}
}

// TaskRunner starts and stops named tasks inside a workspace
type TaskRunner interface {
	ListTasks(ctx context.Context, ws Workspace) ([]string, error)
	FindRunning(task string) (Run, bool)
	// Stop asks run to exit and waits up to timeout
	Stop(ctx context.Context, run Run, timeout time.Duration) error
	Start(ctx context.Context, ws Workspace, task string) (Run, error)
}

// StaticWorkspaces is a fixed list of workspaces
type StaticWorkspaces []Workspace

func (s StaticWorkspaces) Open(context.Context) ([]Workspace, error) {
	return s, nil
}

// WorkspacesFromDirs names each directory after its base
func WorkspacesFromDirs(dirs []string) StaticWorkspaces {
	out := make(StaticWorkspaces, 0, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			abs = d
		}
		out = append(out, Workspace{Name: filepath.Base(abs), Dir: abs})
	}
	return out
}
