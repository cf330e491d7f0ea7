// Command pledgeledger-cli is the operator console: pledge intake,
// allocation, batch allocation, subscription management and pledge
// inspection against the shared data directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pledgeledger/internal/allocate"
	"pledgeledger/internal/config"
	"pledgeledger/internal/engine"
	"pledgeledger/pkg/money"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	configPath string
	inMemory   bool
}

func newRoot() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "pledgeledger-cli",
		Short:         "Operator commands for the pledge ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file")
	root.PersistentFlags().BoolVar(&a.inMemory, "in-memory", false, "use in-process fakes (dry run)")

	root.AddCommand(a.cmdPledge())
	root.AddCommand(a.cmdAllocate())
	root.AddCommand(a.cmdBatchAllocate())
	root.AddCommand(a.cmdSubscription())
	return root
}

// withEngine assembles the engine for one command invocation.
func (a *app) withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := engine.New(ctx, engine.Options{
		Config:   cfg,
		Secrets:  config.LoadSecrets(),
		Log:      log,
		InMemory: a.inMemory,
	})
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func (a *app) cmdPledge() *cobra.Command {
	cmd := &cobra.Command{Use: "pledge", Short: "Pledge operations"}

	var fields []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Record a form submission (repeat --field key=value)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
				event := make(map[string]string, len(fields))
				for _, f := range fields {
					k, v, ok := strings.Cut(f, "=")
					if !ok {
						return fmt.Errorf("--field wants key=value, got %q", f)
					}
					event[k] = v
				}
				p, err := e.Intake.HandleSubmission(ctx, event)
				if err != nil {
					return err
				}
				fmt.Printf("created %s (%s, committed %s)\n",
					p.ID, p.Status, money.Format(p.CommittedAmount))
				return nil
			})
		},
	}
	create.Flags().StringArrayVar(&fields, "field", nil, "form field key=value")
	cmd.AddCommand(create)

	show := &cobra.Command{
		Use:   "show <pledgeId>",
		Short: "Print a pledge with its receipts and allocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
				p, _, err := e.Tables.FindPledge(ctx, args[0])
				if err != nil {
					return err
				}
				receipts, err := e.Tables.ListReceiptsByPledge(ctx, p.ID)
				if err != nil {
					return err
				}
				allocs, err := e.Tables.ListAllocationsByPledge(ctx, p.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"pledge":      p,
					"receipts":    receipts,
					"allocations": allocs,
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func (a *app) cmdAllocate() *cobra.Command {
	return &cobra.Command{
		Use:   "allocate <pledgeId> <cmsId> <amount>",
		Short: "Allocate funds from a pledge to a student",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
				allocID, err := e.Allocator.ProcessAllocation(ctx, "cli", args[0], args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Printf("allocated: %s\n", allocID)
				return nil
			})
		},
	}
}

func (a *app) cmdBatchAllocate() *cobra.Command {
	var pledges, students []string
	cmd := &cobra.Command{
		Use:   "batch-allocate",
		Short: "Distribute funds from pledges over students (cmsId or cmsId=amount)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
				targets := make([]allocate.Target, 0, len(students))
				for _, s := range students {
					cmsID, raw, ok := strings.Cut(s, "=")
					t := allocate.Target{CMSID: cmsID}
					if ok {
						amt, err := money.Parse(raw)
						if err != nil {
							return fmt.Errorf("student %s: %w", cmsID, err)
						}
						t.Amount = amt
					}
					targets = append(targets, t)
				}
				result, err := e.Allocator.ProcessBatchAllocation(ctx, pledges, targets,
					allocate.BatchOptions{Actor: "cli"})
				if err != nil {
					return err
				}
				fmt.Printf("batch %s: %d allocations\n", result.BatchID, len(result.Allocations))
				for _, al := range result.Allocations {
					fmt.Printf("  %s  %s -> %s  %s\n",
						al.ID, al.PledgeID, al.CMSID, money.Format(al.Amount))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&pledges, "pledge", nil, "source pledge id (repeatable, in priority order)")
	cmd.Flags().StringArrayVar(&students, "student", nil, "target cmsId or cmsId=amount (repeatable)")
	return cmd
}

func (a *app) cmdSubscription() *cobra.Command {
	cmd := &cobra.Command{Use: "subscription", Short: "Subscription operations"}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run the daily reminder/overdue sweep once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
				return e.Subs.DailySweep(ctx)
			})
		},
	}
	cmd.AddCommand(sweep)

	batch := &cobra.Command{
		Use:   "monthly-batch",
		Short: "Run the monthly allocation batch once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
				return e.Subs.MonthlyBatch(ctx)
			})
		},
	}
	cmd.AddCommand(batch)

	var amount string
	record := &cobra.Command{
		Use:   "record-payment <subscriptionId>",
		Short: "Record a manually verified installment payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
				sub, _, err := e.Tables.FindSubscription(ctx, args[0])
				if err != nil {
					return err
				}
				amt := sub.MonthlyAmount
				if amount != "" {
					if amt, err = money.Parse(amount); err != nil {
						return err
					}
				}
				return e.Subs.RecordPayment(ctx, sub.ID, "", amt, e.Clock.Now())
			})
		},
	}
	record.Flags().StringVar(&amount, "amount", "", "override the recorded amount")
	cmd.AddCommand(record)
	return cmd
}
