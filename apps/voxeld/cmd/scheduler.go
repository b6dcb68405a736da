package cmd

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/sandbox"
	"github.com/voxelbench/voxelbench/pkg/scheduler"
)

// schedulerCmd runs the reconciliation loop.
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the retry/stall/orphan reconciliation loop",
	Run:   runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}

func runScheduler(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := bootstrap(ctx)
	if err != nil {
		log.Fatalf("❌ %v\n", err)
	}
	defer d.close()

	var reaper *sandbox.Reaper
	if engine, err := sandbox.NewDockerEngine(); err != nil {
		d.log.Warn("docker engine unavailable, orphan sweep disabled", "err", err)
	} else {
		maxAge := d.policies[run.StageBuilding].StageTimeout
		if maxAge <= 0 {
			maxAge = 30 * time.Minute
		}
		reaper = sandbox.NewReaper(engine, d.store, maxAge, d.log)
	}

	sched := scheduler.New(d.store, d.queue, d.machine, reaper, d.log)
	d.log.Info("scheduler starting", "tick", sched.TickEvery)
	sched.Run(ctx)
	d.log.Info("scheduler stopped")
}
