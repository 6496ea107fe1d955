package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/escrow-settlement/internal/ledger"
	"github.com/frahmantamala/escrow-settlement/internal/payment"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background settlement workers",
	Long:  `Run background workers that keep the payment records in step with the escrow ledger.`,
}

var reconcileWorkerCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile payments against the escrow ledger",
	Long: `Sweep every escrow-managed payment that is not settled yet and mirror the ledger state.
With --job or --escrow only that record is reconciled. With --watch the sweep repeats on the configured schedule.`,
	Run: func(cmd *cobra.Command, args []string) {
		runReconcileWorker()
	},
}

var (
	reconcileWatch    bool
	reconcileSchedule string
	reconcileJobID    string
	reconcileEscrowID uint64
	reconcileWorkers  int
)

func runReconcileWorker() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	logger := deps.Logger

	if err := connectLedgerWithin(ctx, deps, deps.Config.Ledger.RetryMaxElapsed); err != nil {
		logger.Error("ledger unavailable, nothing to reconcile against", "error", err)
		os.Exit(1)
	}
	deps.Metrics.SetLedgerConnected(true)

	reconciler := deps.Reconciler
	if reconcileWorkers > 0 {
		reconciler = payment.NewReconciler(deps.Ledger, deps.Mirror, deps.PaymentRepo, deps.Metrics, payment.ReconcilerConfig{
			Workers:   reconcileWorkers,
			BatchSize: deps.Config.Reconciler.BatchSize,
		}, logger)
	}

	switch {
	case reconcileJobID != "":
		res, err := reconciler.ReconcileJob(ctx, reconcileJobID)
		report(res, err)
		return
	case reconcileEscrowID != 0:
		res, err := reconciler.ReconcileEscrow(ctx, reconcileEscrowID)
		report(res, err)
		return
	}

	schedule := getStringFlag(reconcileSchedule, deps.Config.Reconciler.Schedule)
	scheduler := payment.NewScheduler(reconciler, schedule, 0, logger)

	if !reconcileWatch {
		summary, _, err := scheduler.RunOnce(ctx)
		report(summary, err)
		return
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start reconciliation scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("reconcile worker is running. Press Ctrl+C to stop.", "schedule", schedule)

	<-ctx.Done()
	logger.Info("received signal, shutting down reconcile worker")
	scheduler.Stop()
}

// connectLedgerWithin dials the ledger, retrying transient failures for at
// most maxElapsed.
func connectLedgerWithin(ctx context.Context, deps *Dependencies, maxElapsed time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxElapsed
	return backoff.RetryNotify(func() error {
		err := deps.Ledger.Connect(ctx)
		if ledger.IsProtocolMismatch(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		deps.Logger.Warn("ledger unreachable, retrying", "error", err, "retry_in", wait)
	})
}

func report(result interface{}, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}

func getStringFlag(flagValue, configValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return configValue
}

func init() {
	reconcileWorkerCmd.Flags().BoolVarP(&reconcileWatch, "watch", "w", false, "Keep sweeping on a schedule instead of running once")
	reconcileWorkerCmd.Flags().StringVar(&reconcileSchedule, "schedule", "", "Cron schedule for --watch (overrides config)")
	reconcileWorkerCmd.Flags().StringVar(&reconcileJobID, "job", "", "Reconcile only the payment of this job")
	reconcileWorkerCmd.Flags().Uint64Var(&reconcileEscrowID, "escrow", 0, "Reconcile only this escrow id")
	reconcileWorkerCmd.Flags().IntVar(&reconcileWorkers, "workers", 0, "Concurrent reconcile workers (overrides config)")

	workerCmd.AddCommand(reconcileWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
