package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lox/sus/internal/ledger/sqlite"
	"github.com/lox/sus/internal/session"
	"github.com/lox/sus/internal/simulator"
)

type SimulateCmd struct {
	Sessions    int     `default:"1000" help:"Number of sessions to simulate"`
	Workers     int     `default:"4" help:"Sessions played concurrently"`
	Seed        int64   `default:"0" help:"RNG seed (0 for time-based)"`
	Stake       int64   `default:"100" help:"Stake per participant"`
	FailureRate float64 `name:"failure-rate" default:"0.05" help:"Probability that a single transfer fails"`
	DB          string  `name:"db" help:"Persist simulated sessions to this SQLite database" type:"path"`
}

func (c *SimulateCmd) Run(g *Globals) error {
	_, logger, err := g.load()
	if err != nil {
		return err
	}
	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	cfg := simulator.Config{
		Sessions:    c.Sessions,
		Workers:     c.Workers,
		Seed:        seed,
		Stake:       session.Amount(c.Stake),
		FailureRate: c.FailureRate,
		Logger:      logger,
	}
	if c.DB != "" {
		store, err := sqlite.Open(c.DB)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		cfg.Store = store
	}

	logger.Info("Starting simulation", "sessions", c.Sessions, "workers", c.Workers, "seed", seed)
	stats, err := simulator.New(cfg).Run(context.Background())
	if err != nil {
		return fmt.Errorf("simulation failed (seed %d): %w", seed, err)
	}
	fmt.Print(simulator.Report(stats))
	return nil
}
