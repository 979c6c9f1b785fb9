package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "PUSHTRIGGER"

	DefaultTaskName   = "runProduction"
	DefaultBranch     = "beta"
	DefaultListenPort = 12345
)

type Trigger struct {
	TaskName        string // task to rerun on a matching push
	Branch          string // branch whose pushes trigger a rerun
	NotificationURL string // chat webhook URL, empty disables notifications
}

type Server struct {
	Port            int           // raw listener port
	ReadTimeout     time.Duration // per-connection read deadline
	MaxHeaderBytes  int           // header block limit
	MaxBodyBytes    int64         // largest accepted Content-Length
	RateLimitPerMin int           // webhooks routed per source address per minute, 0 disables
}

type Admin struct {
	HTTPAddr string // /healthz and /metrics
	GRPCAddr string // grpc.health.v1, empty disables
}

type Tracing struct {
	Enabled  bool
	Endpoint string // OTLP HTTP host:port
}

type Journal struct {
	DSN      string // postgres DSN, empty disables the trigger journal
	MaxConns int32
}

type NSQ struct {
	NsqdTCPAddr   string // empty disables fan-out
	NsqdHTTPAddr  string // nsqd stats endpoint, empty disables backlog polling
	Topic         string
	StatsInterval time.Duration
}

type Runner struct {
	Workspaces      []string          // open workspaces, the first one is used
	Tasks           map[string]string // task name -> shell command
	Shell           string            // shell used to run task commands
	StopTimeout     time.Duration     // how long to wait for a running task to exit
	PullBeforeRerun bool              // git pull when the workspace is on the target branch
}

type Notify struct {
	Timeout       time.Duration
	RatePerMinute int // posts per minute, 0 disables pacing
}

type Config struct {
	AppName string
	Trigger Trigger
	Server  Server
	Admin   Admin
	Tracing Tracing
	Journal Journal
	NSQ     NSQ
	Runner  Runner
	Notify  Notify
}

// SetDefaults registers every key with its default so env overrides and
// config files resolve against a known key set.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "pushtrigger")

	v.SetDefault("trigger.task_name", DefaultTaskName)
	v.SetDefault("trigger.branch", DefaultBranch)
	v.SetDefault("trigger.notification_url", "")

	v.SetDefault("listener.port", DefaultListenPort)
	v.SetDefault("listener.read_timeout", 10*time.Second)
	v.SetDefault("listener.max_header_bytes", 64*1024)
	v.SetDefault("listener.max_body_bytes", 25<<20)
	v.SetDefault("listener.rate_limit_per_min", 0)

	v.SetDefault("admin.http_addr", ":9102")
	v.SetDefault("admin.grpc_addr", ":9103")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.max_conns", 4)

	v.SetDefault("nsq.nsqd_tcp_addr", "")
	v.SetDefault("nsq.nsqd_http_addr", "")
	v.SetDefault("nsq.topic", "pushes")
	v.SetDefault("nsq.stats_interval", 15*time.Second)

	v.SetDefault("runner.workspaces", []string{"."})
	v.SetDefault("runner.tasks", map[string]string{})
	v.SetDefault("runner.shell", "/bin/sh")
	v.SetDefault("runner.stop_timeout", 3*time.Second)
	v.SetDefault("runner.pull_before_rerun", true)

	v.SetDefault("notify.timeout", 15*time.Second)
	v.SetDefault("notify.rate_per_minute", 30)
}

// Init wires env lookups and reads the config file. An explicit path must
// exist; otherwise pushtrigger.yaml is looked up in the working directory
// and /etc/pushtrigger, and its absence is not an error.
func Init(v *viper.Viper, path string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("pushtrigger")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pushtrigger")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Load builds a Config from an initialised viper instance
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		AppName: v.GetString("app_name"),
		Trigger: Trigger{
			TaskName:        v.GetString("trigger.task_name"),
			Branch:          v.GetString("trigger.branch"),
			NotificationURL: v.GetString("trigger.notification_url"),
		},
		Server: Server{
			Port:            v.GetInt("listener.port"),
			ReadTimeout:     v.GetDuration("listener.read_timeout"),
			MaxHeaderBytes:  v.GetInt("listener.max_header_bytes"),
			MaxBodyBytes:    v.GetInt64("listener.max_body_bytes"),
			RateLimitPerMin: v.GetInt("listener.rate_limit_per_min"),
		},
		Admin: Admin{
			HTTPAddr: v.GetString("admin.http_addr"),
			GRPCAddr: v.GetString("admin.grpc_addr"),
		},
		Tracing: Tracing{
			Enabled:  v.GetBool("tracing.enabled"),
			Endpoint: v.GetString("tracing.endpoint"),
		},
		Journal: Journal{
			DSN:      v.GetString("journal.dsn"),
			MaxConns: v.GetInt32("journal.max_conns"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:   v.GetString("nsq.nsqd_tcp_addr"),
			NsqdHTTPAddr:  v.GetString("nsq.nsqd_http_addr"),
			Topic:         v.GetString("nsq.topic"),
			StatsInterval: v.GetDuration("nsq.stats_interval"),
		},
		Runner: Runner{
			Workspaces:      v.GetStringSlice("runner.workspaces"),
			Tasks:           v.GetStringMapString("runner.tasks"),
			Shell:           v.GetString("runner.shell"),
			StopTimeout:     v.GetDuration("runner.stop_timeout"),
			PullBeforeRerun: v.GetBool("runner.pull_before_rerun"),
		},
		Notify: Notify{
			Timeout:       v.GetDuration("notify.timeout"),
			RatePerMinute: v.GetInt("notify.rate_per_minute"),
		},
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return cfg, fmt.Errorf("listener.port %d out of range", cfg.Server.Port)
	}
	if cfg.Trigger.Branch == "" {
		return cfg, errors.New("trigger.branch must not be empty")
	}
	return cfg, nil
}

// Listener returns the per-request snapshot of this configuration
func (c Config) Listener() Listener {
	return Listener{
		TargetTaskName:  c.Trigger.TaskName,
		TargetBranch:    c.Trigger.Branch,
		ListenPort:      uint16(c.Server.Port),
		NotificationURL: c.Trigger.NotificationURL,
	}
}
