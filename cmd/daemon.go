package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/inovacc/tillsync/internal/engine"
	"github.com/inovacc/tillsync/internal/grpcclient"
	"github.com/inovacc/tillsync/internal/grpcserver"
	"github.com/inovacc/tillsync/internal/metrics"
	"github.com/inovacc/tillsync/internal/process"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// daemonOptions are the start flags of the daemon.
type daemonOptions struct {
	Port        int
	IdleTimeout time.Duration
	MaxRuntime  time.Duration
	MetricsAddr string
	Gops        bool
}

var (
	daemonOpts     daemonOptions
	daemonDetach   bool
	stopTimeout    time.Duration
	restartTimeout time.Duration
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long: `Manage the tillsync daemon. The daemon owns the local cache, keeps the
relay connections open and serves the record commands over a local gRPC API.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Start the sync engine and the local API.

The daemon shuts down when any of these conditions are met:
- Interrupted with Ctrl+C or SIGTERM
- Idle timeout reached, when one is configured
- Max runtime reached, when one is configured`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	RunE:  runDaemonRestart,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and sync status",
	RunE:  runDaemonStatus,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonRestartCmd, daemonStatusCmd)

	for _, c := range []*cobra.Command{daemonStartCmd, daemonRestartCmd} {
		c.Flags().IntVarP(&daemonOpts.Port, "port", "p", 0, "Port to listen on (default from config)")
		c.Flags().DurationVar(&daemonOpts.IdleTimeout, "idle-timeout", -1, "Shutdown after being idle for this duration, 0 to disable (default from config)")
		c.Flags().DurationVar(&daemonOpts.MaxRuntime, "max-runtime", 0, "Maximum runtime before auto-shutdown (0 to disable)")
		c.Flags().StringVar(&daemonOpts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default from config)")
		c.Flags().BoolVar(&daemonOpts.Gops, "gops", true, "Start a gops diagnostics agent")
		c.Flags().BoolVarP(&daemonDetach, "detach", "d", false, "Run the daemon in the background")
	}

	daemonStopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "Timeout waiting for the daemon to stop")
	daemonRestartCmd.Flags().DurationVar(&restartTimeout, "timeout", 30*time.Second, "Timeout waiting for the daemon to stop before restart")
}

// resolveDaemonOptions fills unset flags from the config.
func resolveDaemonOptions(o daemonOptions) daemonOptions {
	if o.Port == 0 {
		o.Port = cfg.Daemon.Port
	}

	if o.IdleTimeout < 0 {
		o.IdleTimeout = cfg.Daemon.IdleTimeout
	}

	if o.MetricsAddr == "" {
		o.MetricsAddr = cfg.Daemon.MetricsAddr
	}

	return o
}

func runDaemonStart(cmd *cobra.Command, _ []string) error {
	if info := grpcserver.IsServerRunning(); info != nil {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Daemon already running (PID: %d, %s)\n", info.PID, info.Address)
		return nil
	}

	if daemonDetach {
		return startDetached(cmd)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runDaemon(ctx, resolveDaemonOptions(daemonOpts))
}

// runDaemon runs the engine and the API until ctx is done or a shutdown
// condition is met.
func runDaemon(ctx context.Context, opts daemonOptions) error {
	logger := slog.Default().With("component", "daemon")

	s, err := loadScope()
	if err != nil {
		return err
	}

	cache, err := openCache()
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	eng, err := engine.New(ctx, s, cache, engine.Config{Relays: cfg.Relays, Sync: cfg.Sync}, engine.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(opts.Port))

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if opts.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Warn("failed to start gops agent", "error", err)
		} else {
			defer agent.Close()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := grpcserver.NewIdleTracker(opts.IdleTimeout)
	srv := grpcserver.NewServer(eng, tracker, slog.Default())

	var metricsSrv *http.Server

	if opts.MetricsAddr != "" {
		m := metrics.New(eng)
		go m.Track(runCtx, eng)

		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())

		metricsSrv = &http.Server{Addr: opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			logger.Info("serving metrics", "addr", opts.MetricsAddr)

			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := eng.Activate(runCtx); err != nil {
		_ = lis.Close()
		return err
	}

	if err := grpcserver.WriteServerInfo(grpcserver.ServerInfo{
		Port:        opts.Port,
		Topic:       s.Topic,
		MetricsAddr: opts.MetricsAddr,
	}); err != nil {
		logger.Warn("failed to write server info file", "error", err)
	}
	defer grpcserver.RemoveServerInfo()

	serveErr := make(chan error, 1)

	go func() {
		logger.Info("starting daemon", "addr", addr, "topic", s.Topic)
		serveErr <- srv.GRPCServer.Serve(lis)
	}()

	if tracker.IsEnabled() {
		go tracker.Run(runCtx)

		logger.Info("idle timeout enabled", "timeout", opts.IdleTimeout)
	}

	var maxRuntime <-chan time.Time

	if opts.MaxRuntime > 0 {
		timer := time.NewTimer(opts.MaxRuntime)
		defer timer.Stop()

		maxRuntime = timer.C

		logger.Info("max runtime enabled", "max_runtime", opts.MaxRuntime)
	}

	var runErr error

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-tracker.ShutdownChan():
		logger.Info("daemon idle, shutting down", "timeout", opts.IdleTimeout)
	case <-maxRuntime:
		logger.Info("daemon reached max runtime, shutting down", "max_runtime", opts.MaxRuntime)
	case err := <-serveErr:
		runErr = fmt.Errorf("failed to serve: %w", err)
	}

	srv.HealthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	stopped := make(chan struct{})

	go func() {
		srv.GRPCServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("daemon stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("timeout waiting for graceful shutdown, forcing stop")
		srv.GRPCServer.Stop()
	}

	if metricsSrv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)

		cancelShutdown()
	}

	cancel()

	if err := eng.Deactivate(); err != nil {
		logger.Warn("failed to deactivate engine", "error", err)
	}

	return runErr
}

// startDetached re-executes the daemon in its own process group.
func startDetached(cmd *cobra.Command) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	args := []string{"daemon", "start", "--config", configPath, "--log-level", logLevel}

	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name != "detach" {
			args = append(args, "--"+f.Name+"="+f.Value.String())
		}
	})

	child := exec.Command(exe, args...)
	setProcAttr(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Daemon started in the background (PID: %d)\n", child.Process.Pid)

	return child.Process.Release()
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	return stopDaemon(cmd, stopTimeout)
}

func stopDaemon(cmd *cobra.Command, timeout time.Duration) error {
	info := grpcserver.IsServerRunning()
	if info == nil {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
		return nil
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stopping daemon (PID: %d)...\n", info.PID)

	if err := terminateProcess(info.PID); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	if err := waitForProcessExit(info.PID, timeout); err != nil {
		return fmt.Errorf("daemon did not stop within timeout: %w", err)
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")

	return nil
}

func runDaemonRestart(cmd *cobra.Command, args []string) error {
	if err := stopDaemon(cmd, restartTimeout); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Starting daemon...")

	return runDaemonStart(cmd, args)
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	info := grpcserver.IsServerRunning()
	if info == nil {
		_, _ = fmt.Fprintln(out, "Daemon status: stopped")
		return nil
	}

	items := map[string]string{
		"Address": info.Address,
		"PID":     strconv.Itoa(info.PID),
		"Started": info.StartedAt.Format(time.RFC3339),
		"Uptime":  time.Since(info.StartedAt).Round(time.Second).String(),
	}
	order := []string{"Address", "PID", "Started", "Uptime"}

	if info.MetricsAddr != "" {
		items["Metrics"] = info.MetricsAddr
		order = append(order, "Metrics")
	}

	c, err := grpcclient.GetClient()
	if err == nil {
		status, statusErr := c.Status(cmd.Context())
		if statusErr == nil {
			items["State"] = status.State
			items["Topic"] = status.Topic
			items["Device"] = status.DeviceID
			items["Pending"] = strconv.Itoa(status.PendingOutbox)
			order = append(order, "State", "Topic", "Device", "Pending")

			if status.BusinessName != "" {
				items["Business"] = status.BusinessName
				order = append(order, "Business")
			}

			for i, ep := range status.Endpoints {
				label := fmt.Sprintf("Relay %d", i+1)
				health := "down"

				switch {
				case ep.Connected && ep.Healthy:
					health = "up"
				case ep.Connected:
					health = "degraded"
				}

				items[label] = fmt.Sprintf("%s (%s)", ep.URL, health)
				order = append(order, label)
			}
		} else {
			err = statusErr
		}
	}

	printInfoBox(out, "tillsync daemon", items, order)

	if err != nil {
		_, _ = fmt.Fprintf(out, "\n%s\n", "sync status unavailable: "+err.Error())
	}

	return nil
}

// terminateProcess sends a termination signal to the process with the given PID
func terminateProcess(pid int) error {
	if runtime.GOOS == "windows" {
		return exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/F").Run()
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	return proc.Signal(syscall.SIGTERM)
}

// waitForProcessExit polls the gops process table until pid is gone
func waitForProcessExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if !process.Snapshot().IsRunning(pid) {
			return nil
		}

		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("process %d still running after %v", pid, timeout)
}
