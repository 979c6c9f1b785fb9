package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/pushtrigger/internal/config"
	"github.com/austindbirch/pushtrigger/internal/db"
	"github.com/austindbirch/pushtrigger/internal/dispatch"
	"github.com/austindbirch/pushtrigger/internal/effects"
	"github.com/austindbirch/pushtrigger/internal/fanout"
	"github.com/austindbirch/pushtrigger/internal/health"
	"github.com/austindbirch/pushtrigger/internal/host"
	"github.com/austindbirch/pushtrigger/internal/host/gitcli"
	"github.com/austindbirch/pushtrigger/internal/host/procrun"
	"github.com/austindbirch/pushtrigger/internal/journal"
	"github.com/austindbirch/pushtrigger/internal/listener"
	"github.com/austindbirch/pushtrigger/internal/logging"
	"github.com/austindbirch/pushtrigger/internal/metrics"
	"github.com/austindbirch/pushtrigger/internal/notify"
	"github.com/austindbirch/pushtrigger/internal/ratelimit"
	"github.com/austindbirch/pushtrigger/internal/tracing"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook listener",
	Long: `Run the webhook listener until SIGINT or SIGTERM.

Changes to the trigger section of the config file apply to the next webhook
without a restart. The listen port is read once at startup.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		drain, _ := cmd.Flags().GetDuration("drain-timeout")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, drain)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", config.DefaultListenPort, "webhook listen port")
	serveCmd.Flags().String("task", config.DefaultTaskName, "task to rerun on a matching push")
	serveCmd.Flags().String("branch", config.DefaultBranch, "branch whose pushes trigger a rerun")
	serveCmd.Flags().String("notification-url", "", "chat webhook URL for notifications (empty disables)")
	serveCmd.Flags().String("admin-addr", ":9102", "address for /healthz and /metrics")
	serveCmd.Flags().Duration("drain-timeout", 30*time.Second, "how long to wait for running effects on shutdown")

	viper.BindPFlag("listener.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("trigger.task_name", serveCmd.Flags().Lookup("task"))
	viper.BindPFlag("trigger.branch", serveCmd.Flags().Lookup("branch"))
	viper.BindPFlag("trigger.notification_url", serveCmd.Flags().Lookup("notification-url"))
	viper.BindPFlag("admin.http_addr", serveCmd.Flags().Lookup("admin-addr"))
}

func serve(ctx context.Context, cfg config.Config, drain time.Duration) error {
	logging.SetDefaultService(cfg.AppName)
	logger := logging.Default()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracing(ctx, cfg.AppName, cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	} else {
		tracing.SetPropagator()
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Trigger journal
	var store journal.Store = journal.Noop{}
	var pinger health.Pinger
	if cfg.Journal.DSN != "" {
		pool, err := openJournal(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = journal.NewPostgres(pool)
		pinger = pool
	}

	// NSQ fan-out
	var producer fanout.Producer
	if cfg.NSQ.NsqdTCPAddr != "" {
		prod, err := fanout.NewProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			return err
		}
		defer prod.Stop()
		producer = prod
		logger.Plain().WithField("nsqd", cfg.NSQ.NsqdTCPAddr).WithField("topic", cfg.NSQ.Topic).Info("fan-out enabled")

		if cfg.NSQ.NsqdHTTPAddr != "" {
			go fanout.WatchBacklog(ctx, nil, cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.Topic, cfg.NSQ.StatsInterval, logger)
		}
	}

	dispatcher := dispatch.New(newEffects(cfg, logger, producer),
		dispatch.WithJournal(store),
		dispatch.WithLogger(logger),
	)

	provider := config.NewViperProvider(viper.GetViper())
	if viper.ConfigFileUsed() != "" {
		provider.Watch(func(l config.Listener, err error) {
			if err != nil {
				logger.Plain().WithError(err).Warn("config reload rejected, keeping previous settings")
				return
			}
			logger.Plain().WithTask(l.TargetTaskName).WithField("branch", l.TargetBranch).
				WithField("notifications", l.NotificationsEnabled()).
				Info("config reloaded")
		})
	}

	ln := listener.New(provider, dispatcher,
		listener.WithLogger(logger),
		listener.WithReadTimeout(cfg.Server.ReadTimeout),
		listener.WithMaxHeaderBytes(cfg.Server.MaxHeaderBytes),
		listener.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		listener.WithRateLimit(ratelimit.New(cfg.Server.RateLimitPerMin)),
	)
	if err := ln.Start(ctx); err != nil {
		return err
	}

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(ln, pinger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Admin.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("admin HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("admin HTTP server failed")
		}
	}()

	// gRPC health
	var grpcSrv *grpc.Server
	if cfg.Admin.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Admin.GRPCAddr)
		if err != nil {
			_ = ln.Stop(context.Background())
			return fmt.Errorf("gRPC listen: %w", err)
		}
		grpcSrv = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		hs := health.NewGRPCServer()
		healthpb.RegisterHealthServer(grpcSrv, hs)
		go health.Watch(ctx, hs, ln, 2*time.Second)
		go func() {
			logger.Plain().WithField("addr", cfg.Admin.GRPCAddr).Info("gRPC health server starting")
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Plain().WithError(err).Error("gRPC health server failed")
			}
		}()
	}

	<-ctx.Done()
	logger.Plain().Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ln.Stop(stopCtx); err != nil {
		logger.Plain().WithError(err).Warn("listener did not stop cleanly")
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	_ = httpSrv.Shutdown(stopCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drain)
	defer cancelDrain()
	if err := dispatcher.Wait(drainCtx); err != nil {
		logger.Plain().WithError(err).Warn("effects still running at exit")
	}
	logger.Plain().Info("pushtrigger stopped")
	return nil
}

func openJournal(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, cfg.Journal.DSN, cfg.Journal.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// newEffects assembles the reactions to a matched push. A nil producer
// leaves fan-out off.
func newEffects(cfg config.Config, logger *logging.Logger, producer fanout.Producer) []effects.Effect {
	var vcs host.VCS
	if cfg.Runner.PullBeforeRerun {
		vcs = gitcli.New()
	}
	runner := procrun.New(cfg.Runner.Shell, cfg.Runner.Tasks, logger)
	sender := notify.NewSender(&http.Client{Timeout: cfg.Notify.Timeout}).WithRateLimit(cfg.Notify.RatePerMinute)

	effs := []effects.Effect{
		effects.NewRerun(host.WorkspacesFromDirs(cfg.Runner.Workspaces), vcs, runner, cfg.Runner.StopTimeout, logger),
		effects.NewNotify(sender, logger),
	}
	if producer != nil {
		effs = append(effs, fanout.NewPublisher(producer, cfg.NSQ.Topic, logger))
	}
	return effs
}

var _ fanout.Producer = (*nsq.Producer)(nil)
