// Command pledgeledger-daemon runs the scheduled agents: the receipt
// processor, the verification watchdog, the subscription daily sweep and
// the monthly allocation batch.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pledgeledger/internal/config"
	"pledgeledger/internal/engine"
)

const (
	receiptsInterval = 10 * time.Minute
	watchdogInterval = 15 * time.Minute
	sweepHour        = 9 // local display time
)

func main() {
	var configPath string
	var inMemory bool

	root := &cobra.Command{
		Use:   "pledgeledger-daemon",
		Short: "Runs the pledge ledger's scheduled agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, inMemory)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config file (defaults apply when empty)")
	root.Flags().BoolVar(&inMemory, "in-memory", false, "use in-process fakes for storage and mail (dry run)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, inMemory bool) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(ctx, engine.Options{
		Config:   cfg,
		Secrets:  config.LoadSecrets(),
		Log:      log,
		InMemory: inMemory,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	log.Info("daemon started",
		zap.Duration("receiptsInterval", receiptsInterval),
		zap.Duration("watchdogInterval", watchdogInterval),
		zap.Int("batchIntimationDay", cfg.BatchIntimationDay))

	receiptsTick := time.NewTicker(receiptsInterval)
	defer receiptsTick.Stop()
	watchdogTick := time.NewTicker(watchdogInterval)
	defer watchdogTick.Stop()
	// Minute resolution is enough to hit the daily and monthly marks.
	calendarTick := time.NewTicker(time.Minute)
	defer calendarTick.Stop()

	var lastSweepDay, lastBatchMonth string
	for {
		select {
		case <-ctx.Done():
			log.Info("daemon stopping")
			return nil
		case <-receiptsTick.C:
			if err := e.Receipts.Run(ctx); err != nil {
				log.Error("receipt sweep failed", zap.Error(err))
			}
		case <-watchdogTick.C:
			if err := e.Watchdog.Run(ctx); err != nil {
				log.Error("watchdog sweep failed", zap.Error(err))
			}
		case <-calendarTick.C:
			local := e.Zone.In(e.Clock.Now())
			day := local.Format("2006-01-02")
			if local.Hour() >= sweepHour && day != lastSweepDay {
				lastSweepDay = day
				if err := e.Subs.DailySweep(ctx); err != nil {
					log.Error("daily sweep failed", zap.Error(err))
				}
			}
			month := local.Format("2006-01")
			if local.Day() >= cfg.BatchIntimationDay && month != lastBatchMonth {
				lastBatchMonth = month
				if err := e.Subs.MonthlyBatch(ctx); err != nil {
					log.Error("monthly batch failed", zap.Error(err))
				}
			}
		}
	}
}
