package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lox/sus/internal/audit"
	"github.com/lox/sus/internal/ledger/sqlite"
	"github.com/lox/sus/internal/session"
)

type ExportCmd struct {
	Sessions []string `arg:"" optional:"" help:"Session ids to export"`
	Identity string   `help:"Export every session this identity joined"`
	DB       string   `name:"db" help:"SQLite database path, overriding the config file" type:"path"`
	Out      string   `short:"o" default:"." help:"Directory to write exports to" type:"path"`
}

func (c *ExportCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	path := cfg.Server.Database
	if c.DB != "" {
		path = c.DB
	}
	if path == "" {
		return errors.New("export needs a database: set server.database or pass --db")
	}
	if len(c.Sessions) == 0 && c.Identity == "" {
		return errors.New("name at least one session or pass --identity")
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ids := c.Sessions
	if c.Identity != "" {
		more, err := store.SessionsFor(ctx, session.Identity(c.Identity))
		if err != nil {
			return err
		}
		ids = append(ids, more...)
	}

	if err := os.MkdirAll(c.Out, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	now := time.Now()
	for _, id := range ids {
		s, err := store.Load(ctx, id)
		if err != nil {
			return err
		}
		events, err := store.Events(ctx, id, 0)
		if err != nil {
			return err
		}
		export, err := audit.Build(s, events, now)
		if err != nil {
			return err
		}
		filename := filepath.Join(c.Out, id+".cbor")
		if err := audit.Write(filename, export); err != nil {
			return fmt.Errorf("write %s: %w", filename, err)
		}
		logger.Info("Exported session", "session", id, "state", s.State, "events", len(events), "file", filename)
	}
	return nil
}
