package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/creditgate/internal/config"
	"github.com/alecgard/creditgate/internal/ledger"
	"github.com/spf13/cobra"
)

var ledgerAddr string

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Run a development credit ledger",
	Long:  "Serves an in-memory credit ledger seeded from the config's ledger.plans and ledger.balances over the HTTP API the gateway's remote mode speaks.",
	RunE:  runLedger,
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerAddr, "addr", "127.0.0.1:9090", "listen address")
	rootCmd.AddCommand(ledgerCmd)
}

func runLedger(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	mem := ledger.NewMemory()
	cfg.SeedMemory(mem)

	srv := &http.Server{
		Addr:        ledgerAddr,
		Handler:     ledger.NewServer(mem),
		ReadTimeout: 30 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("development ledger starting", "addr", ledgerAddr, "plans", len(cfg.Ledger.Plans), "balances", len(cfg.Ledger.Balances))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ledger error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down", "settlements", mem.SettleCalls())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
