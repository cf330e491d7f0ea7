// Command pledgeledger-web serves the sanitized read API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pledgeledger/internal/config"
	"pledgeledger/internal/engine"
)

func main() {
	var configPath string
	var inMemory bool

	root := &cobra.Command{
		Use:   "pledgeledger-web",
		Short: "Serves the sanitized dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, inMemory)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config file")
	root.Flags().BoolVar(&inMemory, "in-memory", false, "use in-process fakes (dry run)")

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

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           e.ReadAPI.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("read api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
