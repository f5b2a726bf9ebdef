// Package app wires the process together: database, migrations,
// config, settings seed, agents, and the coordinator.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"mailpilot/internal/agents"
	"mailpilot/internal/backend"
	"mailpilot/internal/config"
	"mailpilot/internal/db"
	"mailpilot/internal/domain"
	"mailpilot/internal/mailer"
	"mailpilot/internal/migrate"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/store"
)

type Options struct {
	Workspace string
	// DryRun swaps the real mailbox for an in-memory one; sends are
	// recorded, never delivered.
	DryRun bool
	Logger *slog.Logger
}

type App struct {
	DB          *sql.DB
	Config      *config.Config
	Store       store.Store
	Coordinator pipeline.Coordinator
	Mailer      mailer.Mailer
	Log         *slog.Logger
}

// Bootstrap opens the workspace database, migrates it, seeds settings,
// and builds the agent set. Safe to call from every CLI command.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	st := store.Store{DB: conn}
	if err := seedSettings(ctx, conn, st, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed settings: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var be backend.Backend
	if apiKey := backendAPIKey(); apiKey != "" {
		be = backend.NewClient(cfg, apiKey)
	}

	var m mailer.Mailer
	switch {
	case opts.DryRun:
		m = &mailer.Fake{}
	case os.Getenv("MAILPILOT_GMAIL_TOKEN") != "":
		gm, err := mailer.NewGmailMailer(ctx, os.Getenv("MAILPILOT_GMAIL_TOKEN"))
		if err != nil {
			conn.Close()
			return nil, err
		}
		m = gm
	default:
		log.Warn("no mailbox credentials; using in-memory mailbox, sends will not be delivered")
		m = &mailer.Fake{}
	}

	agentSet := map[string]pipeline.Agent{
		domain.StageIngest:    agents.Ingest{Store: st},
		domain.StageClassify:  agents.Classify{Store: st, Backend: be, Categories: cfg.Categories},
		domain.StagePriority:  agents.Priority{},
		domain.StageSummarize: agents.Summarize{Store: st, Backend: be},
		domain.StageDraft:     agents.Draft{Store: st, Backend: be, Config: cfg},
		domain.StagePolicy:    agents.Policy{Store: st, Config: cfg},
		domain.StageSend:      agents.Send{Store: st, Mailer: m},
	}
	coord := pipeline.New(conn, cfg, agentSet)

	if n, err := st.RecoverStaleRunning(ctx, time.Now()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("recover stale stages: %w", err)
	} else if n > 0 {
		log.Info("requeued stages left running by a previous process", "count", n)
	}

	return &App{
		DB:          conn,
		Config:      cfg,
		Store:       st,
		Coordinator: coord,
		Mailer:      m,
		Log:         log,
	}, nil
}

func (a *App) Close() error { return a.DB.Close() }

func backendAPIKey() string {
	if k := os.Getenv("MAILPILOT_OPENAI_API_KEY"); k != "" {
		return k
	}
	return os.Getenv("OPENAI_API_KEY")
}

// seedSettings writes the settings row on first boot, taking categories
// from the config file. An existing row is never touched.
func seedSettings(ctx context.Context, conn *sql.DB, st store.Store, cfg *config.Config) error {
	existing, err := st.GetSettings(ctx)
	if err != nil {
		return err
	}
	if existing.UpdatedAt != "" {
		return nil
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	seed := domain.Settings{
		CloudLLM:         false,
		AutoSendEnabled:  false,
		RedactionEnabled: true,
		Categories:       cfg.Categories,
	}
	if err := st.UpsertSettingsTx(ctx, tx, seed, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// IngestFromMailbox pulls unread messages and admits them as records.
// Already-seen provider ids dedupe inside IngestRecord.
func (a *App) IngestFromMailbox(ctx context.Context, max int64, actorID string) ([]domain.EmailRecord, error) {
	msgs, err := a.Mailer.FetchUnread(ctx, max)
	if err != nil {
		return nil, fmt.Errorf("fetch unread: %w", err)
	}
	var out []domain.EmailRecord
	for _, msg := range msgs {
		rec := domain.EmailRecord{
			ProviderID:     msg.ProviderID,
			ThreadID:       msg.ThreadID,
			SenderEmail:    msg.From,
			SenderName:     msg.FromName,
			RecipientEmail: msg.To,
			Subject:        msg.Subject,
			BodyPlain:      msg.BodyPlain,
			BodyHTML:       msg.BodyHTML,
			Snippet:        msg.Snippet,
			RawJSON:        msg.RawJSON,
			ReceivedAt:     msg.ReceivedAt.UTC().Format(time.RFC3339),
		}
		created, err := a.Coordinator.IngestRecord(ctx, rec, actorID)
		if err != nil {
			return out, fmt.Errorf("ingest %s: %w", msg.ProviderID, err)
		}
		out = append(out, created)
	}
	return out, nil
}
