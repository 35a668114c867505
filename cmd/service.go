package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

const serviceName = "tillsync"

var (
	serviceStart     bool
	serviceStop      bool
	serviceInstall   bool
	serviceUninstall bool
	serviceStatus    bool
	serviceRun       bool
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the tillsync daemon as a system service",
	Long: `Install, uninstall, start, stop, or check the status of the tillsync daemon
as a system service.

On Windows, this creates/manages a Windows Service.
On Linux/macOS, this creates/manages a systemd/launchd service.`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.Flags().BoolVar(&serviceStart, "start", false, "Start the service")
	serviceCmd.Flags().BoolVar(&serviceStop, "stop", false, "Stop the service")
	serviceCmd.Flags().BoolVar(&serviceInstall, "install", false, "Install the daemon as a system service")
	serviceCmd.Flags().BoolVar(&serviceUninstall, "uninstall", false, "Uninstall the system service")
	serviceCmd.Flags().BoolVar(&serviceStatus, "status", false, "Check the service status")
	serviceCmd.Flags().BoolVar(&serviceRun, "run", false, "Run under the service manager (used by the installed service)")
	_ = serviceCmd.Flags().MarkHidden("run")
}

// program implements service.Interface around runDaemon
type program struct {
	opts   daemonOptions
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func (p *program) Start(_ service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	// Start should not block
	go func() {
		defer close(done)

		if err := runDaemon(ctx, p.opts); err != nil {
			slog.Error("daemon exited", "error", err)
		}
	}()

	return nil
}

func (p *program) Stop(_ service.Service) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	return nil
}

func newService(opts daemonOptions) (service.Service, error) {
	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: "tillsync daemon",
		Description: "Offline-first point-of-sale record sync over Nostr relays",
		Arguments:   []string{"service", "--run", "--config", configPath},
	}

	s, err := service.New(&program{opts: opts}, svcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	return s, nil
}

func runService(cmd *cobra.Command, _ []string) error {
	flagCount := 0

	for _, set := range []bool{serviceStart, serviceStop, serviceInstall, serviceUninstall, serviceStatus, serviceRun} {
		if set {
			flagCount++
		}
	}

	if flagCount == 0 {
		return fmt.Errorf("please specify one of: --start, --stop, --install, --uninstall, --status")
	}

	if flagCount > 1 {
		return fmt.Errorf("please specify only one operation at a time")
	}

	s, err := newService(resolveDaemonOptions(daemonOptions{IdleTimeout: -1, Gops: true}))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	switch {
	case serviceRun:
		return s.Run()
	case serviceInstall:
		if cfg.Code == "" {
			return errNotJoined
		}

		_, _ = fmt.Fprintln(out, "Installing tillsync service...")

		if err := s.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}

		_, _ = fmt.Fprintln(out, "Service installed. Start it with 'tillsync service --start'")
	case serviceUninstall:
		_, _ = fmt.Fprintln(out, "Uninstalling tillsync service...")

		_ = s.Stop()

		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("failed to uninstall service: %w", err)
		}

		_, _ = fmt.Fprintln(out, "Service uninstalled")
	case serviceStart:
		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}

		_, _ = fmt.Fprintln(out, "Service started")
	case serviceStop:
		if err := s.Stop(); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}

		_, _ = fmt.Fprintln(out, "Service stopped")
	case serviceStatus:
		status, err := s.Status()
		if err != nil {
			return fmt.Errorf("failed to get service status: %w", err)
		}

		_, _ = fmt.Fprintf(out, "Service status: %s\n", serviceStatusText(status))
	}

	return nil
}

func serviceStatusText(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
