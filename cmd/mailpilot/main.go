package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mailpilot/internal/app"
	"mailpilot/internal/config"
	"mailpilot/internal/db"
	"mailpilot/internal/domain"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/server"
	"mailpilot/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "mailpilot",
	Short: "Mailpilot CLI",
	Long: `Mailpilot runs an email triage pipeline with a human approval gate.
Concepts:
- Workspace: your .mailpilot directory holding the database; mailpilot.yml beside it holds config.
- Record: one incoming email walking the stage chain ingest -> classify -> priority -> summarize -> draft -> policy.
- Stages: each stage is run by an agent; failures retry with backoff, exhausted stages park the record for review.
- Policy gate: no reply is ever sent without either an allow-listed template or an explicit human approval.
- Approvals: pending drafts wait in 'mailpilot approval list'; approve or reject them there.
- Review queue: blocked records surface in 'mailpilot review'; retry them after fixing the cause.
- Settings: runtime switches (cloud model, auto-send, redaction) live in the DB, see 'mailpilot settings show'.
- Event log: diary of every transition, view with 'mailpilot log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("MAILPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("dry-run", false, "use the in-memory mailbox; nothing is delivered")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("dry-run", rootCmd.PersistentFlags().Lookup("dry-run"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			a, err := app.Bootstrap(cmd.Context(), app.Options{Workspace: workspace, DryRun: true})
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Workspace ready at %s (db: %s)\n", workspace, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Store.CountRecordsByStatus(ctx)
				if err != nil {
					return err
				}
				due, err := a.Store.DueStages(ctx, time.Now(), 100)
				if err != nil {
					return err
				}
				settings, err := a.Store.GetSettings(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"record_counts": counts,
					"due_stages":    len(due),
					"settings":      settings,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Due stages: %d\n", len(due))
				fmt.Printf("Cloud LLM: %v  Auto-send: %v  Redaction: %v\n",
					settings.CloudLLM, settings.AutoSendEnabled, settings.RedactionEnabled)
				fmt.Println("Records:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func ingestCmd() *cobra.Command {
	var max int64
	var filePath string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Pull unread mail into the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				if filePath != "" {
					return ingestFromFile(ctx, a, filePath, actor)
				}
				records, err := a.IngestFromMailbox(ctx, max, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				fmt.Printf("Ingested %d records\n", len(records))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&max, "max", 20, "maximum messages to fetch")
	cmd.Flags().StringVar(&filePath, "file", "", "ingest from a JSON file instead of the mailbox")
	return cmd
}

// ingestFromFile reads a JSON array of messages, useful for seeding a
// workspace without mailbox credentials.
func ingestFromFile(ctx context.Context, a *app.App, path, actorID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var records []domain.EmailRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, rec := range records {
		if _, err := a.Coordinator.IngestRecord(ctx, rec, actorID); err != nil {
			return err
		}
	}
	fmt.Printf("Ingested %d records from %s\n", len(records), path)
	return nil
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Manage records"}
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordShowCmd())
	rec.AddCommand(recordCancelCmd())
	rec.AddCommand(recordRetryCmd())
	return rec
}

func recordListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := a.Store.ListRecords(ctx, status, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "Subject", "Status", "Received"})
				for _, r := range records {
					tw.AppendRow(table.Row{shortID(r.ID), r.SenderEmail, clip(r.Subject, 40), r.Status, r.ReceivedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func recordShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a record with its stages and results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Store.GetRecord(ctx, args[0])
				if err != nil {
					return err
				}
				states, err := a.Store.ListProcessingStates(ctx, r.ID)
				if err != nil {
					return err
				}
				results, err := a.Store.ListStageResults(ctx, r.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"record":  r,
					"stages":  states,
					"results": results,
				})
			})
		},
	}
	return cmd
}

func recordCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a record; nothing further will run or send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Coordinator.CancelRecord(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func recordRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a blocked record with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Coordinator.RetryBlocked(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				r, err := a.Store.GetRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func approvalCmd() *cobra.Command {
	appr := &cobra.Command{
		Use:   "approval",
		Short: "Review pending drafts",
		Long:  "Drafts the policy gate would not auto-send wait here. Approving seeds the send stage; rejecting closes the record.",
	}
	appr.AddCommand(approvalListCmd())
	appr.AddCommand(approvalDecideCmd("approve", "Approve a pending draft", domain.DecisionApproved))
	appr.AddCommand(approvalDecideCmd("reject", "Reject a pending draft", domain.DecisionRejected))
	return appr
}

func approvalListCmd() *cobra.Command {
	var decision string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListApprovalRequests(ctx, decision, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Record", "Decision", "Draft", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{shortID(it.ID), shortID(it.RecordID), it.Decision, clip(it.Draft, 60), it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "pending", "decision filter (pending, approved, rejected, empty for all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func approvalDecideCmd(use, short, decision string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Coordinator.ResolveApproval(ctx, args[0], decision, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List blocked records needing attention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListBlocked(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Record", "From", "Subject", "Stage", "Attempts", "Last error"})
				for _, it := range items {
					tw.AppendRow(table.Row{shortID(it.Record.ID), it.Record.SenderEmail, clip(it.Record.Subject, 30), it.Stage, it.Attempts, clip(it.LastError, 50)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func settingsCmd() *cobra.Command {
	s := &cobra.Command{Use: "settings", Short: "Inspect and change runtime settings"}
	s.AddCommand(settingsShowCmd())
	s.AddCommand(settingsSetCmd())
	return s
}

func settingsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				settings, err := a.Store.GetSettings(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(settings)
			})
		},
	}
	return cmd
}

func settingsSetCmd() *cobra.Command {
	var cloudLLM, autoSend, redaction bool
	var categories []string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update settings (only flags you pass change)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch pipeline.SettingsPatch
			if cmd.Flags().Changed("cloud-llm") {
				patch.CloudLLM = &cloudLLM
			}
			if cmd.Flags().Changed("auto-send") {
				patch.AutoSendEnabled = &autoSend
			}
			if cmd.Flags().Changed("redaction") {
				patch.RedactionEnabled = &redaction
			}
			if cmd.Flags().Changed("category") {
				patch.Categories = categories
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				settings, err := a.Coordinator.UpdateSettings(ctx, patch, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(settings)
			})
		},
	}
	cmd.Flags().BoolVar(&cloudLLM, "cloud-llm", false, "allow the cloud model on redacted content")
	cmd.Flags().BoolVar(&autoSend, "auto-send", false, "allow allow-listed templates to send without approval")
	cmd.Flags().BoolVar(&redaction, "redaction", true, "redact PII before any cloud call")
	cmd.Flags().StringArrayVar(&categories, "category", []string{}, "classification category (repeatable, replaces the list)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var recordID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListEvents(ctx, recordID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Record", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Type, shortID(e.RecordID), e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&recordID, "record", "", "record id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw := uuid.New().String() + uuid.New().String()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   store.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Store.InsertAPIKeyTx(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": raw})
				}
				fmt.Printf("API key for %s (save it now, it is not stored):\n%s\n", actor, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func runCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if metricsAddr != "" {
					go serveMetrics(ctx, metricsAddr, a)
				}
				d := pipeline.NewDispatcher(a.Coordinator, a.Log)
				return d.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9091", "Prometheus listen address (empty disables)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, metricsAddr string
	var withDispatcher bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("MAILPILOT_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("MAILPILOT_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Coordinator: a.Coordinator, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if metricsAddr != "" {
					go serveMetrics(ctx, metricsAddr, a)
				}
				if withDispatcher {
					d := pipeline.NewDispatcher(a.Coordinator, a.Log)
					go func() {
						if err := d.Run(ctx); err != nil {
							a.Log.Error("dispatcher exited", "error", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Mailpilot API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9091", "Prometheus listen address (empty disables)")
	cmd.Flags().BoolVar(&withDispatcher, "with-dispatcher", false, "also run the dispatcher in-process")
	return cmd
}

func serveMetrics(ctx context.Context, addr string, a *app.App) {
	srv := &http.Server{Addr: addr, Handler: server.MetricsHandler()}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Log.Error("metrics listener", "error", err)
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Bootstrap(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		DryRun:    viper.GetBool("dry-run"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
