package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lox/sus/internal/auth"
	"github.com/lox/sus/internal/game"
	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/ledger/sqlite"
	"github.com/lox/sus/internal/payout"
	"github.com/lox/sus/internal/server"
	"github.com/lox/sus/internal/telemetry"
)

type ServeCmd struct {
	Addr string `help:"Listen address, overriding the config file"`
	DB   string `name:"db" help:"SQLite database path, overriding the config file" type:"path"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.DB != "" {
		cfg.Server.Database = c.DB
	}
	addr := cfg.ServerAddress()
	if c.Addr != "" {
		addr = c.Addr
	}

	ledgerRules, err := cfg.LedgerRules()
	if err != nil {
		return err
	}
	gameRules, err := cfg.GameRules()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, "sus", cfg.Server.OtelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("Flushing traces failed", "error", err)
		}
	}()
	if cfg.Server.OtelEndpoint != "" {
		logger.Info("Exporting traces", "endpoint", cfg.Server.OtelEndpoint)
	}

	opts := ledger.Options{Rules: ledgerRules, Logger: logger}
	if path := cfg.Server.Database; path != "" {
		store, err := sqlite.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		opts.Store = store
		logger.Info("Using SQLite store", "path", path)
	}
	l := ledger.New(opts)
	if _, err := l.Restore(ctx); err != nil {
		return err
	}

	controller := game.NewController(game.Options{
		Ledger: l,
		Funds:  payout.NewBank(),
		Rules:  gameRules,
		Logger: logger,
	})
	serverOpts := []server.Option{server.WithSweepInterval(cfg.PollInterval())}
	if url := cfg.Server.AuthURL; url != "" {
		serverOpts = append(serverOpts, server.WithResolver(auth.NewHTTPResolver(url, cfg.Server.AuthSecret)))
		logger.Info("Resolving identities remotely", "url", url)
	} else {
		logger.Warn("No auth_url configured, trusting client-supplied identities")
	}
	srv := server.NewServer(controller, logger, serverOpts...)
	return srv.Run(ctx, addr)
}
