package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/creditgate/internal/api"
	"github.com/alecgard/creditgate/internal/config"
	"github.com/alecgard/creditgate/internal/executors"
	"github.com/alecgard/creditgate/internal/gateway"
	"github.com/alecgard/creditgate/internal/ledger"
	"github.com/alecgard/creditgate/internal/metering"
	"github.com/alecgard/creditgate/internal/metrics"
	"github.com/alecgard/creditgate/internal/proxy"
	"github.com/alecgard/creditgate/internal/ratelimit"
	"github.com/alecgard/creditgate/internal/rpc"
	"github.com/alecgard/creditgate/internal/settlement"
	"github.com/alecgard/creditgate/internal/task"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Creditgate gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// Ledger connections.
	var dial gateway.Dialer
	var ledgerURL string
	switch cfg.Ledger.Mode {
	case config.LedgerRemote:
		dial = gateway.ClientDialer(cfg.LedgerClient())
		ledgerURL = cfg.Ledger.BaseURL
		slog.Info("using remote ledger", "base_url", ledgerURL)
	default:
		mem := ledger.NewMemory()
		cfg.SeedMemory(mem)
		dial = gateway.SharedDialer(mem)
		slog.Warn("using in-memory ledger; balances are lost on restart", "plans", len(cfg.Ledger.Plans))
	}
	conns := gateway.NewConnCache(dial, cfg.Ledger.CacheTTL, cfg.Ledger.CacheSize)
	conns.SetMetrics(m)

	reg, err := buildRegistry(cfg, m)
	if err != nil {
		return err
	}

	// Redemption journal.
	var (
		store   metering.BatchInserter
		journal api.RedemptionQuerier
		ready   func(context.Context) error
	)
	switch cfg.Journal.Backend {
	case config.JournalPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return err
		}
		slog.Info("connected to database")

		st := metering.NewStore(pool)
		store, journal, ready = st, st, pool.Ping
		m.RegisterDBPoolCollector(func() metrics.PoolStats {
			s := pool.Stat()
			return metrics.PoolStats{
				Total:         s.TotalConns(),
				Idle:          s.IdleConns(),
				Acquired:      s.AcquiredConns(),
				Max:           s.MaxConns(),
				AcquireCount:  s.AcquireCount(),
				EmptyAcquires: s.EmptyAcquireCount(),
			}
		})
	default:
		li := metering.NewLogInserter(logger, cfg.Journal.Keep)
		store, journal = li, li
	}
	collector := metering.NewCollector(store, cfg.Journal.BatchSize, cfg.Journal.FlushInterval)
	collector.SetMetrics(m)
	go collector.Start(ctx)

	tasks := task.NewEngine(cfg.TaskOptions())
	tasks.SetMetrics(m)
	tasks.SetLogger(logger)
	go tasks.StartSweeper(ctx)

	settle := settlement.NewEngine(cfg.Settlement.FinalCacheTTL)
	settle.SetJournal(collector)
	settle.SetMetrics(m)
	settle.SetLogger(logger)

	override, err := cfg.OverrideRedemption()
	if err != nil {
		return err
	}
	if override != nil {
		slog.Info("redemption override active", "policy", override.String())
	}

	gw := gateway.New(reg, conns, tasks, settle, gateway.Config{
		LedgerURL:     ledgerURL,
		Override:      override,
		SettleTimeout: cfg.Settlement.Timeout,
	})
	gw.SetLogger(logger)
	gw.SetHooks(callLogHooks(logger))

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	go limiter.Run(ctx)

	rpcHandler := rpc.NewHandler(gw, cfg.Server.SSEKeepAlive)
	rpcHandler.SetMetrics(m)
	rpcHandler.SetLogger(logger)

	router := api.NewRouter(api.RouterDeps{
		Capabilities:   gw,
		RPC:            rpcHandler,
		Limiter:        limiter,
		Journal:        journal,
		Metrics:        m,
		AdminKeyHash:   cfg.Auth.AdminKeyHash,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		PublicURL:      cfg.Server.PublicURL,
		Version:        version,
		Ready:          ready,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "capabilities", len(reg.Cards()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	tasks.Stop()
	collector.Stop()
	gw.Close()
	return err
}

// buildRegistry registers every configured capability with its executor.
func buildRegistry(cfg *config.Config, m *metrics.Metrics) (*gateway.Registry, error) {
	opts := executors.Options{
		StepDelay:       cfg.Executors.StepDelay,
		ChunkWords:      cfg.Executors.ChunkWords,
		CreditsPerChunk: cfg.Executors.CreditsPerChunk,
		CostPerWord:     cfg.Executors.CostPerWord,
	}
	reg := gateway.NewRegistry()
	for _, card := range cfg.Capabilities {
		kind := card.Executor
		if kind == "" {
			kind = executors.KindEcho
		}
		var exec gateway.Executor
		if kind == proxy.Kind {
			up, err := proxy.New(card, cfg.Executors.UpstreamTimeout, cfg.Executors.MaxResponseSize)
			if err != nil {
				return nil, err
			}
			up.SetMetrics(m)
			exec = up
		} else {
			var err error
			if exec, err = executors.New(kind, opts); err != nil {
				return nil, fmt.Errorf("capability %q: %w", card.AgentID, err)
			}
		}
		if err := reg.Register(card, exec); err != nil {
			return nil, err
		}
		slog.Info("capability registered", "agent_id", card.AgentID, "executor", kind, "policy", card.Redemption().String())
	}
	if len(cfg.Capabilities) == 0 {
		slog.Warn("no capabilities configured")
	}
	return reg, nil
}

// callLogHooks logs the outcome of every settled or failed call.
func callLogHooks(logger *slog.Logger) gateway.Hooks {
	return gateway.Hooks{
		AfterRequest: func(_ context.Context, rc *gateway.RequestContext, out gateway.Outcome) error {
			attrs := []any{"task_id", rc.TaskID, "agent_id", rc.Card.AgentID, "state", out.State, "credits", rc.Redeemed()}
			if rc.Request != nil {
				attrs = append(attrs, "request_id", rc.Request.RequestID)
			}
			if out.Settlement != nil && !out.Settlement.Skipped {
				attrs = append(attrs, "final_amount", out.Settlement.Amount, "tx_ref", out.Settlement.TxRef)
			}
			logger.Info("capability call finished", attrs...)
			return nil
		},
		OnError: func(_ context.Context, rc *gateway.RequestContext, err error) error {
			logger.Warn("capability call failed", "task_id", rc.TaskID, "agent_id", rc.Card.AgentID, "error", err)
			return nil
		},
	}
}
