// Package app wires a workspace into a ready-to-use session: local
// database, config, API client, and the mission engine built on top.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"fairquest/internal/api"
	"fairquest/internal/catalog"
	"fairquest/internal/config"
	"fairquest/internal/db"
	"fairquest/internal/engine"
	"fairquest/internal/migrate"
	"fairquest/internal/ranking"
	"fairquest/internal/store"
	"fairquest/internal/ticket"
)

// Session bundles everything a command needs against one workspace.
// Client is nil until fq login has stored a token in fairquest.yml;
// the engine still works offline in that state.
type Session struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Client    *api.Client
	Engine    *engine.Engine
	Tickets   ticket.Issuer
	Rankings  ranking.Projector
}

// Open ensures the workspace exists, migrates the local database, loads
// config (falling back to defaults when fairquest.yml is absent), and
// builds the engine over the merged catalog+saved state.
func Open(ctx context.Context, workspace string) (*Session, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}

	var client *api.Client
	if cfg.Server.Token != "" {
		client = api.New(cfg.Server.BaseURL, cfg.Server.Token)
	}
	var srv engine.Server
	var fetcher ranking.Fetcher
	if client != nil {
		srv = client
		fetcher = client
	}

	return &Session{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Client:    client,
		Engine:    engine.New(ctx, store.New(conn), srv),
		Tickets:   ticket.New(catalog.TicketEligible),
		Rankings:  ranking.New(fetcher),
	}, nil
}

// RequireClient returns the API client or an actionable error when the
// session has no stored credentials.
func (s *Session) RequireClient() (*api.Client, error) {
	if s.Client == nil {
		return nil, fmt.Errorf("not logged in; run 'fq login --code <entry-code>' first")
	}
	return s.Client, nil
}

func (s *Session) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
