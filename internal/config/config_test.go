package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newViper(t *testing.T, path string) *viper.Viper {
	t.Helper()
	v := viper.New()
	if err := Init(v, path); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return v
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(newViper(t, ""))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := Listener{
		TargetTaskName: "runProduction",
		TargetBranch:   "beta",
		ListenPort:     12345,
	}
	if got := cfg.Listener(); got != want {
		t.Errorf("Listener() = %+v, want %+v", got, want)
	}
	if cfg.Listener().NotificationsEnabled() {
		t.Errorf("NotificationsEnabled() = true, want false with empty URL")
	}
	if cfg.Runner.StopTimeout != 3*time.Second {
		t.Errorf("Runner.StopTimeout = %v, want 3s", cfg.Runner.StopTimeout)
	}
	if !cfg.Runner.PullBeforeRerun {
		t.Errorf("Runner.PullBeforeRerun = false, want true")
	}
	if !reflect.DeepEqual(cfg.Runner.Workspaces, []string{"."}) {
		t.Errorf("Runner.Workspaces = %v, want [.]", cfg.Runner.Workspaces)
	}
	if cfg.Admin.HTTPAddr != ":9102" {
		t.Errorf("Admin.HTTPAddr = %q, want %q", cfg.Admin.HTTPAddr, ":9102")
	}
	if cfg.Journal.DSN != "" {
		t.Errorf("Journal.DSN = %q, want empty", cfg.Journal.DSN)
	}
	if cfg.Server.MaxBodyBytes != 25<<20 {
		t.Errorf("Server.MaxBodyBytes = %d, want %d", cfg.Server.MaxBodyBytes, 25<<20)
	}
	if cfg.Server.RateLimitPerMin != 0 {
		t.Errorf("Server.RateLimitPerMin = %d, want 0", cfg.Server.RateLimitPerMin)
	}
	if cfg.Notify.RatePerMinute != 30 {
		t.Errorf("Notify.RatePerMinute = %d, want 30", cfg.Notify.RatePerMinute)
	}
	if cfg.NSQ.StatsInterval != 15*time.Second {
		t.Errorf("NSQ.StatsInterval = %v, want 15s", cfg.NSQ.StatsInterval)
	}
}

func TestLoad_Env(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg Config)
	}{
		{
			name: "trigger settings",
			envVars: map[string]string{
				"PUSHTRIGGER_TRIGGER_TASK_NAME":        "deployStaging",
				"PUSHTRIGGER_TRIGGER_BRANCH":           "main",
				"PUSHTRIGGER_TRIGGER_NOTIFICATION_URL": "https://chat.example/hook",
			},
			check: func(t *testing.T, cfg Config) {
				l := cfg.Listener()
				if l.TargetTaskName != "deployStaging" {
					t.Errorf("TargetTaskName = %q, want %q", l.TargetTaskName, "deployStaging")
				}
				if l.TargetBranch != "main" {
					t.Errorf("TargetBranch = %q, want %q", l.TargetBranch, "main")
				}
				if !l.NotificationsEnabled() {
					t.Errorf("NotificationsEnabled() = false, want true")
				}
			},
		},
		{
			name: "listener and runner settings",
			envVars: map[string]string{
				"PUSHTRIGGER_LISTENER_PORT":               "8088",
				"PUSHTRIGGER_LISTENER_READ_TIMEOUT":       "2s",
				"PUSHTRIGGER_RUNNER_STOP_TIMEOUT":         "500ms",
				"PUSHTRIGGER_RUNNER_WORKSPACES":           "/srv/app /srv/other",
				"PUSHTRIGGER_LISTENER_RATE_LIMIT_PER_MIN": "120",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.Listener().ListenPort != 8088 {
					t.Errorf("ListenPort = %d, want 8088", cfg.Listener().ListenPort)
				}
				if cfg.Server.ReadTimeout != 2*time.Second {
					t.Errorf("Server.ReadTimeout = %v, want 2s", cfg.Server.ReadTimeout)
				}
				if cfg.Server.RateLimitPerMin != 120 {
					t.Errorf("Server.RateLimitPerMin = %d, want 120", cfg.Server.RateLimitPerMin)
				}
				if cfg.Runner.StopTimeout != 500*time.Millisecond {
					t.Errorf("Runner.StopTimeout = %v, want 500ms", cfg.Runner.StopTimeout)
				}
				want := []string{"/srv/app", "/srv/other"}
				if !reflect.DeepEqual(cfg.Runner.Workspaces, want) {
					t.Errorf("Runner.Workspaces = %v, want %v", cfg.Runner.Workspaces, want)
				}
			},
		},
		{
			name: "journal and nsq",
			envVars: map[string]string{
				"PUSHTRIGGER_JOURNAL_DSN":        "postgres://u:p@db:5432/triggers",
				"PUSHTRIGGER_NSQ_NSQD_TCP_ADDR":  "nsqd:4150",
				"PUSHTRIGGER_NSQ_NSQD_HTTP_ADDR": "nsqd:4151",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.Journal.DSN != "postgres://u:p@db:5432/triggers" {
					t.Errorf("Journal.DSN = %q", cfg.Journal.DSN)
				}
				if cfg.NSQ.NsqdTCPAddr != "nsqd:4150" {
					t.Errorf("NSQ.NsqdTCPAddr = %q, want %q", cfg.NSQ.NsqdTCPAddr, "nsqd:4150")
				}
				if cfg.NSQ.NsqdHTTPAddr != "nsqd:4151" {
					t.Errorf("NSQ.NsqdHTTPAddr = %q, want %q", cfg.NSQ.NsqdHTTPAddr, "nsqd:4151")
				}
				if cfg.NSQ.Topic != "pushes" {
					t.Errorf("NSQ.Topic = %q, want %q", cfg.NSQ.Topic, "pushes")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(newViper(t, ""))
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port string
	}{
		{name: "zero", port: "0"},
		{name: "too large", port: "70000"},
		{name: "negative", port: "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv("PUSHTRIGGER_LISTENER_PORT", tt.port)

			if _, err := Load(newViper(t, "")); err == nil {
				t.Errorf("Load() with port %s error = nil, want error", tt.port)
			}
		})
	}
}

func TestInit_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pushtrigger.yaml")
	content := `
trigger:
  task_name: nightly
  branch: release
listener:
  port: 9000
runner:
  tasks:
    nightly: make nightly
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(newViper(t, path))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := Listener{TargetTaskName: "nightly", TargetBranch: "release", ListenPort: 9000}
	if got := cfg.Listener(); got != want {
		t.Errorf("Listener() = %+v, want %+v", got, want)
	}
	if got := cfg.Runner.Tasks["nightly"]; got != "make nightly" {
		t.Errorf("Runner.Tasks[nightly] = %q, want %q", got, "make nightly")
	}
}

func TestInit_MissingExplicitFile(t *testing.T) {
	v := viper.New()
	if err := Init(v, filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Errorf("Init() with missing file error = nil, want error")
	}
}

func TestStatic(t *testing.T) {
	want := Listener{TargetTaskName: "t", TargetBranch: "b", ListenPort: 1, NotificationURL: "u"}
	var p Provider = Static(want)
	if got := p.Listener(); got != want {
		t.Errorf("Static.Listener() = %+v, want %+v", got, want)
	}
}

func TestViperProvider_Refresh(t *testing.T) {
	chdir(t, t.TempDir())
	v := newViper(t, "")

	p := NewViperProvider(v)
	if got := p.Listener().TargetBranch; got != "beta" {
		t.Fatalf("TargetBranch = %q, want %q", got, "beta")
	}

	v.Set("trigger.branch", "main")
	if err := p.Refresh(); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if got := p.Listener().TargetBranch; got != "main" {
		t.Errorf("TargetBranch after refresh = %q, want %q", got, "main")
	}

	v.Set("listener.port", 0)
	if err := p.Refresh(); err == nil {
		t.Errorf("Refresh() with invalid port error = nil, want error")
	}
	if got := p.Listener(); got.TargetBranch != "main" || got.ListenPort != 12345 {
		t.Errorf("Listener() after failed refresh = %+v, want previous snapshot", got)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q) error: %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("Chdir(%q) error: %v", prev, err)
		}
	})
}
