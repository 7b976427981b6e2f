package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vantle/stepflow/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run scheduled pipelines from the definitions directory",
	Long: `Scan the definitions directory for pipelines declaring a schedule
and launch them when due. Without --once this runs as a daemon until
interrupted.

Schedules survive restarts: an occurrence that came due while the
scheduler was down fires once on the next start.

Examples:
  stepflow scheduler
  stepflow scheduler --once
  stepflow scheduler --dir ./pipelines --interval 30s`,
	Args: cobra.NoArgs,
	RunE: runScheduler,
}

var (
	schedulerOnce     bool
	schedulerDir      string
	schedulerInterval time.Duration
	schedulerMax      int
)

func init() {
	schedulerCmd.Flags().BoolVar(&schedulerOnce, "once", false, "sync and fire due schedules once, then exit")
	schedulerCmd.Flags().StringVar(&schedulerDir, "dir", "", "definitions directory (default from config)")
	schedulerCmd.Flags().DurationVar(&schedulerInterval, "interval", 0, "tick interval (default from config)")
	schedulerCmd.Flags().IntVar(&schedulerMax, "max-concurrent", 0, "concurrent launch bound (default from config)")
	rootCmd.AddCommand(schedulerCmd)
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := scheduler.Config{
		Dir:           app.cfg.DefsDir,
		TickInterval:  time.Duration(app.cfg.TickSeconds) * time.Second,
		MaxConcurrent: app.cfg.PoolSize,
	}
	if schedulerDir != "" {
		cfg.Dir = schedulerDir
	}
	if schedulerInterval > 0 {
		cfg.TickInterval = schedulerInterval
	}
	if schedulerMax > 0 {
		cfg.MaxConcurrent = schedulerMax
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return fmt.Errorf("creating definitions directory: %w", err)
	}

	sched := scheduler.New(app.ix, app.engine, cfg, app.logger)

	if schedulerOnce {
		return sched.RunOnce(ctx)
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scheduler watching %s (tick %s). Ctrl-C to stop.\n", cfg.Dir, cfg.TickInterval)

	<-ctx.Done()
	return sched.Stop()
}
