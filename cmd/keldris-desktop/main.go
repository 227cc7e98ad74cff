// Package main is the entrypoint for the Keldris desktop runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/keldris-desktop/internal/config"
	"github.com/MacJediWizard/keldris-desktop/internal/desktop"
	"github.com/MacJediWizard/keldris-desktop/internal/ipc"
	"github.com/MacJediWizard/keldris-desktop/internal/schedule"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const requestTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	socketPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "keldris-desktop",
		Short: "Keldris desktop backup runtime",
		Long: `Keldris Desktop runs configured restic backups for the current user.

Run 'keldris-desktop run' to start the desktop process. The other commands
talk to a running process over its unix socket.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ~/.keldris/desktop.yml)")
	rootCmd.PersistentFlags().StringVar(&opts.socketPath, "socket", "", "Override the socket path")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(opts),
		newStartBackupCmd(opts),
		newStartScheduledBackupCmd(opts),
		newShowOverviewCmd(opts),
		newShowScheduleCmd(opts),
		newAbortCmd(opts),
		newStatusCmd(opts),
		newSchedulerCmd(opts),
	)

	return rootCmd
}

func (o *rootOptions) load() (*config.DesktopConfig, error) {
	var (
		cfg *config.DesktopConfig
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	config.ApplyEnv(cfg)
	if o.socketPath != "" {
		cfg.SocketPath = o.socketPath
	}
	return cfg, nil
}

func (o *rootOptions) client() (*ipc.Client, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(cfg.SocketPath), nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Keldris Desktop %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the desktop process",
		Long: `Run the desktop process until it is asked to quit.

The first SIGINT or SIGTERM asks the process to quit once running backups
have finished. A second one aborts them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			app, err := desktop.New(cfg, desktop.Options{}, logger)
			if err != nil {
				return err
			}

			logger.Info().
				Str("version", Version).
				Str("socket", cfg.SocketPath).
				Int("backups", len(cfg.Backups)).
				Msg("keldris desktop starting")
			return app.Run(cmd.Context())
		},
	}
}

func newStartBackupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start-backup <config-id>",
		Short: "Start a backup in the running desktop process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := client.StartBackup(ctx, config.ConfigID(args[0])); err != nil {
				return err
			}
			fmt.Printf("Backup %s requested\n", args[0])
			return nil
		},
	}
}

func newStartScheduledBackupCmd(opts *rootOptions) *cobra.Command {
	var (
		scheduledAt string
		retry       int
	)

	cmd := &cobra.Command{
		Use:   "start-scheduled-backup <config-id>",
		Short: "Start a backup as if its schedule had fired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			due := schedule.DueCause{Kind: schedule.DueRegular, ScheduledAt: time.Now()}
			if scheduledAt != "" {
				t, err := time.Parse(time.RFC3339, scheduledAt)
				if err != nil {
					return fmt.Errorf("invalid --scheduled-at: %w", err)
				}
				due.ScheduledAt = t
			}
			if retry > 0 {
				due.Kind = schedule.DueRetry
				due.RetryCount = retry
			}

			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := client.StartScheduledBackup(ctx, config.ConfigID(args[0]), due); err != nil {
				return err
			}
			fmt.Printf("Scheduled backup %s requested (%s)\n", args[0], due)
			return nil
		},
	}

	cmd.Flags().StringVar(&scheduledAt, "scheduled-at", "", "Scheduled time in RFC3339 (default now)")
	cmd.Flags().IntVar(&retry, "retry", 0, "Mark the request as the given retry attempt")

	return cmd
}

func newShowOverviewCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show-overview",
		Short: "Show the overview in the running desktop process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return client.ShowOverview(ctx)
		},
	}
}

func newShowScheduleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show-schedule <config-id>",
		Short: "Show the schedule of a backup in the running desktop process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return client.ShowSchedule(ctx, config.ConfigID(args[0]))
		},
	}
}

func newAbortCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <config-id>",
		Short: "Abort a running backup in the desktop process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			aborted, err := client.AbortBackup(ctx, config.ConfigID(args[0]))
			if err != nil {
				return err
			}
			if !aborted {
				fmt.Printf("No backup of %s is running\n", args[0])
				return nil
			}
			fmt.Printf("Backup %s aborted\n", args[0])
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running desktop process",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			fmt.Print("Checking desktop process... ")
			var report desktop.StatusReport
			if err := client.Status(ctx, &report); err != nil {
				fmt.Println("FAILED")
				return err
			}
			fmt.Println("OK")
			fmt.Println()

			fmt.Printf("State:    %s (%s)\n", report.Shutdown.State, report.Shutdown.Message)
			fmt.Printf("Guards:   %d\n", report.Shutdown.Guards)
			fmt.Printf("Backups:  %d configured, %d running\n", len(report.Configured), len(report.Shutdown.RunningBackups))
			for _, rb := range report.Shutdown.RunningBackups {
				fmt.Printf("  %-20s running since %s\n", rb.ConfigID, rb.StartedAt.Format(time.RFC3339))
			}
			if report.Host != nil {
				restic := "not found"
				if report.Host.ResticAvailable {
					restic = report.Host.ResticVersion
				}
				fmt.Printf("Restic:   %s\n", restic)
			}

			if len(report.Recent) > 0 {
				fmt.Println()
				fmt.Println("Recent runs:")
				for _, run := range report.Recent {
					fmt.Printf("  %-20s %-10s %s", run.ConfigID, run.Status, run.FinishedAt.Format(time.RFC3339))
					if run.ErrorMessage != "" {
						fmt.Printf("  %s", run.ErrorMessage)
					}
					fmt.Println()
				}
			}
			return nil
		},
	}
}

func newSchedulerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the backup scheduler",
		Long: `Run the backup scheduler in the foreground.

Each configured cron schedule asks the desktop process to start the backup.
SIGHUP reloads the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			return runScheduler(cmd.Context(), opts, cfg, logger)
		},
	}
}

func runScheduler(ctx context.Context, opts *rootOptions, cfg *config.DesktopConfig, logger zerolog.Logger) error {
	scheduler := schedule.NewScheduler(ipc.NewClient(cfg.SocketPath), logger)

	n, err := scheduler.Refresh(cfg.Backups)
	if err != nil {
		logger.Warn().Err(err).Msg("some schedules could not be registered")
	}
	if n == 0 {
		fmt.Println("No scheduled backups configured.")
	}
	for _, b := range cfg.Backups {
		if next, ok := scheduler.Next(b.ID); ok {
			fmt.Printf("  %-20s next run %s\n", b.ID, next.Format(time.RFC3339))
		}
	}

	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	fmt.Println("Scheduler running. Press Ctrl+C to stop.")

	for {
		select {
		case sig := <-sigChan:
			if sig != syscall.SIGHUP {
				fmt.Printf("\nReceived %s, shutting down...\n", sig)
				return nil
			}
			reloaded, err := opts.load()
			if err != nil {
				logger.Error().Err(err).Msg("failed to reload config")
				continue
			}
			if _, err := scheduler.Refresh(reloaded.Backups); err != nil {
				logger.Warn().Err(err).Msg("some schedules could not be registered")
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}
	}
}
