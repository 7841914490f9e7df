package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"assetshift/internal/changelog"
	"assetshift/internal/checkpoint"
	"assetshift/internal/config"
	"assetshift/internal/engine"
	"assetshift/internal/lock"
	"assetshift/internal/logger"
	"assetshift/internal/metrics"
	"assetshift/internal/records"
	"assetshift/internal/rollback"
	"assetshift/internal/state"
	"assetshift/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "assetshift",
	Short: "Migrate a file-backed content collection between object storage backends",
	Long:  `A resumable, reversible migration engine for live content collections, with checkpointing, an append-only change log for rollback, and a system-wide exclusive migration lock.`,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new migration run",
	RunE:  runStart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted migration run from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of an active run (observed at batch boundaries)",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <run-id>",
	Short: "Undo a run by replaying its change log in reverse",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run status and checkpoint counters",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	for _, cmd := range []*cobra.Command{startCmd, resumeCmd} {
		// Source flags
		cmd.Flags().String("src-endpoint", "", "Source endpoint")
		cmd.Flags().String("src-access-key", "", "Source access key")
		cmd.Flags().String("src-secret-key", "", "Source secret key")
		cmd.Flags().Bool("src-secure", false, "Use HTTPS for source")
		cmd.Flags().String("src-bucket", "", "Source bucket")

		// Destination flags
		cmd.Flags().String("dst-endpoint", "", "Destination endpoint")
		cmd.Flags().String("dst-access-key", "", "Destination access key")
		cmd.Flags().String("dst-secret-key", "", "Destination secret key")
		cmd.Flags().Bool("dst-secure", true, "Use HTTPS for destination")
		cmd.Flags().String("dst-bucket", "", "Destination bucket")

		// Migration flags
		cmd.Flags().String("prefix", "", "Source object prefix filter")
		cmd.Flags().String("dest-prefix", "", "Destination key prefix for linked assets")
		cmd.Flags().Int("batch-size", 100, "Items per transfer batch")
		cmd.Flags().Int("checkpoint-every", 1, "Batches between checkpoint saves")
		cmd.Flags().Int("concurrency", 8, "Number of concurrent transfer workers")
		cmd.Flags().Int("retries", 5, "Maximum per-item retry attempts")
		cmd.Flags().Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
		cmd.Flags().Int("max-consecutive-failures", 5, "Consecutive item failures before the run aborts")
		cmd.Flags().Float64("max-failure-ratio", 0.1, "Cumulative failure ratio before the run aborts")
		cmd.Flags().Float64("verify-sample-rate", 0.1, "Fraction of transferred items to verify (1 = all, 0 = skip)")
		cmd.Flags().Bool("rollback-on-mismatch", false, "Fail the run and print the rollback command when verify finds mismatches")
		cmd.Flags().String("orphan-policy", "skip", "Orphan handling: skip or trash")
		cmd.Flags().Int("retention-days", 7, "Checkpoint and change log retention in days")
		cmd.Flags().Int("lock-ttl", 60, "Lock lease in seconds")
		cmd.Flags().Int("lock-heartbeat", 20, "Lock heartbeat interval in seconds")
		cmd.Flags().Int("lock-acquire-timeout-ms", 10000, "Lock acquisition timeout in milliseconds")
		cmd.Flags().String("state-db", "./assetshift.db", "State database file")
		cmd.Flags().String("records-db", "./records.db", "Content record database file")
		cmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
		cmd.Flags().String("metrics-addr", ":8080", "Metrics listen address")
	}
	startCmd.Flags().Bool("dry-run", false, "Simulate the run without mutating external state")

	rollbackCmd.Flags().Int64("to-seq", 0, "Stop rolling back above this sequence number (0 = undo the whole run)")

	rootCmd.AddCommand(startCmd, resumeCmd, cancelCmd, rollbackCmd, statusCmd)
}

// app bundles the wired components shared by the subcommands
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *sql.DB
	src     storage.Provider
	dst     storage.Provider
	records records.Store
	store   checkpoint.Store
	clog    *changelog.Log
	locks   *lock.Manager
	metrics *metrics.Collector
}

func buildApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := state.Open(cfg.StateDB)
	if err != nil {
		return nil, err
	}

	src, err := storage.NewMinIOProvider(storage.Config{
		Endpoint:  cfg.Source.Endpoint,
		AccessKey: cfg.Source.AccessKey,
		SecretKey: cfg.Source.SecretKey,
		Secure:    cfg.Source.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source provider: %w", err)
	}

	dst, err := storage.NewMinIOProvider(storage.Config{
		Endpoint:  cfg.Target.Endpoint,
		AccessKey: cfg.Target.AccessKey,
		SecretKey: cfg.Target.SecretKey,
		Secure:    cfg.Target.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create destination provider: %w", err)
	}

	recordStore, err := records.NewSQLiteStore(cfg.RecordsDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	store, err := checkpoint.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	clog, err := changelog.NewLog(db, cfg.Migration.FlushEvery)
	if err != nil {
		return nil, fmt.Errorf("failed to create change log: %w", err)
	}

	locks, err := lock.NewManager(db, lock.Options{
		TTL:               cfg.Lock.TTL(),
		HeartbeatInterval: cfg.Lock.HeartbeatInterval(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock manager: %w", err)
	}

	return &app{
		cfg:     cfg,
		log:     log,
		db:      db,
		src:     src,
		dst:     dst,
		records: recordStore,
		store:   store,
		clog:    clog,
		locks:   locks,
		metrics: metrics.New(),
	}, nil
}

func (a *app) close() {
	a.records.Close()
	a.db.Close()
	a.log.Sync()
}

// signalContext cancels on SIGINT/SIGTERM for graceful shutdown
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, finishing current batch...")
		cancel()
	}()

	return ctx, cancel
}

func (a *app) orchestrator() *engine.Orchestrator {
	return engine.New(a.cfg, a.src, a.dst, a.records, a.store, a.clog, a.locks, a.metrics, a.log)
}

func (a *app) startMetrics() {
	if !a.cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := a.metrics.StartServer(a.cfg.Metrics.Addr); err != nil {
			a.log.Error("Failed to start metrics server", zap.Error(err))
		}
	}()
}

func runStart(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(a.log)
	defer cancel()

	a.startMetrics()

	mode := checkpoint.ModeLive
	if a.cfg.Migration.DryRun {
		mode = checkpoint.ModeDryRun
	}

	result, err := a.orchestrator().Start(ctx, mode)
	if result != nil {
		printResult(result)
	}
	return err
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(a.log)
	defer cancel()

	a.startMetrics()

	result, err := a.orchestrator().Resume(ctx, args[0])
	if result != nil {
		printResult(result)
	}
	return err
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.RequestCancel(args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for run %s\n", args[0])
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(a.log)
	defer cancel()

	toSeq, _ := cmd.Flags().GetInt64("to-seq")

	executor := rollback.New(a.cfg, a.src, a.dst, a.records, a.store, a.clog, a.locks, a.log)
	result, err := executor.Rollback(ctx, args[0], toSeq)
	if err != nil {
		return err
	}

	fmt.Printf("Rollback of run %s finished: %d reversed, %d already reversed\n",
		result.RunID, result.Reversed, result.Skipped)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	var runs []*checkpoint.Run
	if len(args) == 1 {
		run, err := a.store.GetRun(args[0])
		if err != nil {
			return err
		}
		runs = append(runs, run)
	} else {
		runs, err = a.store.ListRuns()
		if err != nil {
			return err
		}
	}

	for _, run := range runs {
		fmt.Printf("run %s  mode=%s  phase=%s  status=%s", run.ID, run.Mode, run.Phase, run.Status)
		if run.FailureReason != "" {
			fmt.Printf("  reason=%q", run.FailureReason)
		}
		fmt.Println()

		cp, err := a.store.Load(run.ID)
		if err == nil {
			fmt.Printf("  offset=%d  processed=%d succeeded=%d failed=%d skipped=%d\n",
				cp.BatchOffset, cp.Counters.Processed, cp.Counters.Succeeded,
				cp.Counters.Failed, cp.Counters.Skipped)
		}

		seq, err := a.clog.MaxSeq(run.ID)
		if err == nil && seq > 0 {
			fmt.Printf("  latest changelog seq=%d\n", seq)
		}
	}

	return nil
}

func printResult(result *engine.Result) {
	fmt.Printf("run %s finished: status=%s processed=%d succeeded=%d failed=%d skipped=%d\n",
		result.RunID, result.Status, result.Counters.Processed, result.Counters.Succeeded,
		result.Counters.Failed, result.Counters.Skipped)
	if result.FailureReason != "" {
		fmt.Printf("  reason: %s\n", result.FailureReason)
	}
	for _, mm := range result.Mismatches {
		fmt.Printf("  verify mismatch: %s -> %s (%s)\n", mm.Key, mm.DestKey, mm.Reason)
	}
	if result.RollbackRequested {
		fmt.Printf("  rollback requested: run `assetshift rollback %s` to undo\n", result.RunID)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
