package host

import (
	"context"
	"path/filepath"
	"testing"
)

func TestWorkspacesFromDirs(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, "app")

	tests := []struct {
		name     string
		dirs     []string
		wantLen  int
		wantName string
	}{
		{name: "no dirs", dirs: nil, wantLen: 0},
		{name: "empty entries skipped", dirs: []string{"", ""}, wantLen: 0},
		{name: "absolute dir", dirs: []string{app, dir}, wantLen: 2, wantName: "app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, err := WorkspacesFromDirs(tt.dirs).Open(context.Background())
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			if len(ws) != tt.wantLen {
				t.Fatalf("Open() len = %d, want %d", len(ws), tt.wantLen)
			}
			if tt.wantLen > 0 {
				if ws[0].Name != tt.wantName {
					t.Errorf("first workspace Name = %q, want %q", ws[0].Name, tt.wantName)
				}
				if ws[0].Dir != app {
					t.Errorf("first workspace Dir = %q, want %q", ws[0].Dir, app)
				}
			}
		})
	}
}

func TestWorkspacesFromDirs_Relative(t *testing.T) {
	ws := WorkspacesFromDirs([]string{"."})
	if len(ws) != 1 {
		t.Fatalf("len = %d, want 1", len(ws))
	}
	if !filepath.IsAbs(ws[0].Dir) {
		t.Errorf("Dir = %q, want an absolute path", ws[0].Dir)
	}
}
