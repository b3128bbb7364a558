package main

import (
	"bufio"
	"bytes"
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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"spiralsafe/internal/app"
	"spiralsafe/internal/config"
	"spiralsafe/internal/db"
	"spiralsafe/internal/engine"
	"spiralsafe/internal/gate"
	"spiralsafe/internal/pipeline"
	"spiralsafe/internal/server"
	spiralsafesdk "spiralsafe/sdk/go"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "spiral",
	Short: "Spiralsafe CLI",
	Long: `Spiralsafe walks work through ordered validation gates.
A pipeline is a fixed sequence of phases, each guarded by a CEL check.
A run starts at the first phase and only moves forward when the current
check accepts the supplied context; every attempt, pass or fail, lands in
an append-only journal. Failed checks are answers, not errors: the run
stays where it is and tells you why.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zap.InfoLevel
		if viper.GetBool("verbose") {
			level = zap.DebugLevel
		}
		zcfg := zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(level)
		built, err := zcfg.Build()
		if err != nil {
			return err
		}
		logger = built
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SPIRAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("server", "", "daemon URL for run commands")
	rootCmd.PersistentFlags().String("api-key", "", "API key for run commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("Config already exists at %s\n", cfgPath)
			} else if os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote default config to %s\n", cfgPath)
			} else {
				return err
			}
			appCtx, err := app.Open(workspace, logger)
			if err != nil {
				return err
			}
			defer appCtx.Close()
			fmt.Printf("Workspace ready at %s (db %s)\n", appCtx.Workspace, db.Path(appCtx.Workspace))
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(configCheckCmd())
	return cmd
}

func configCheckCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate config and compile every pipeline check",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if file != "" {
				cfg, err = config.FromFile(file)
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			for _, spec := range cfg.Pipelines {
				if _, err := pipeline.Compile(spec); err != nil {
					return fmt.Errorf("pipeline %s: %w", spec.Name, err)
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"ok":        true,
					"pipelines": len(cfg.Pipelines),
					"default":   cfg.DefaultPipeline(),
				})
			}
			fmt.Printf("Config OK: %d pipeline(s), default %q\n", len(cfg.Pipelines), cfg.DefaultPipeline())
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (workspace spiralsafe.yml when empty)")
	return cmd
}

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pipeline", Short: "Inspect pipelines"}
	cmd.AddCommand(pipelineListCmd())
	cmd.AddCommand(pipelineShowCmd())
	return cmd
}

func pipelineListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWorkspaceConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Pipelines)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Phases", "Default"})
			for _, spec := range cfg.Pipelines {
				def := ""
				if spec.Name == cfg.DefaultPipeline() {
					def = "*"
				}
				tw.AppendRow(table.Row{spec.Name, len(spec.Phases), def})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func pipelineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a pipeline's phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWorkspaceConfig()
			if err != nil {
				return err
			}
			spec, ok := cfg.Pipeline(args[0])
			if !ok {
				return fmt.Errorf("unknown pipeline %q", args[0])
			}
			if viper.GetBool("json") {
				return printJSON(spec)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Ordinal", "ID", "Title", "Check"})
			for i, p := range spec.Phases {
				tw.AppendRow(table.Row{i, p.ID, p.Title, p.Check})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Drive runs against a daemon"}
	run.AddCommand(runStartCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runAdvanceCmd())
	run.AddCommand(runValidateCmd())
	run.AddCommand(runHistoryCmd())
	run.AddCommand(runAbandonCmd())
	run.AddCommand(runExecCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var pipelineName string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sdkClient()
			if err != nil {
				return err
			}
			run, err := c.StartRun(cmd.Context(), pipelineName)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(run)
			}
			fmt.Printf("Started run %s on %s, waiting at %s\n", run.ID, run.Pipeline, deref(run.CurrentPhase))
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "pipeline name (daemon default when empty)")
	return cmd
}

func runListCmd() *cobra.Command {
	var pipelineName, status, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sdkClient()
			if err != nil {
				return err
			}
			page, err := c.ListRuns(cmd.Context(), spiralsafesdk.ListRunsOptions{
				Pipeline: pipelineName,
				Status:   status,
				Limit:    limit,
				Cursor:   cursor,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(page)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Pipeline", "Status", "Phase", "Created By", "Created At"})
			for _, run := range page.Items {
				tw.AppendRow(table.Row{run.ID, run.Pipeline, run.Status, deref(run.CurrentPhase), run.CreatedBy, run.CreatedAt})
			}
			tw.Render()
			if page.NextCursor != "" {
				fmt.Printf("more: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "pipeline filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, completed, abandoned)")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "pagination cursor")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sdkClient()
			if err != nil {
				return err
			}
			run, err := c.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(run)
		},
	}
	return cmd
}

func runAdvanceCmd() *cobra.Command {
	var rawCtx, ctxFile string
	cmd := &cobra.Command{
		Use:   "advance <run-id>",
		Short: "Attempt to advance a run past its current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readContextPayload(rawCtx, ctxFile)
			if err != nil {
				return err
			}
			c, err := sdkClient()
			if err != nil {
				return err
			}
			res, err := c.AdvanceRun(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if !res.Success {
				fmt.Printf("Rejected at %s: %s\n", res.Transition.From, deref(res.Transition.Reason))
				return nil
			}
			if res.Run.Status == "completed" {
				fmt.Printf("Run %s completed (%s -> %s)\n", res.Run.ID, res.Transition.From, res.Transition.To)
				return nil
			}
			fmt.Printf("Advanced %s: %s -> %s\n", res.Run.ID, res.Transition.From, res.Transition.To)
			return nil
		},
	}
	cmd.Flags().StringVar(&rawCtx, "context", "", "context JSON object")
	cmd.Flags().StringVar(&ctxFile, "context-file", "", "file with the context JSON object")
	return cmd
}

func runValidateCmd() *cobra.Command {
	var rawCtx, ctxFile string
	cmd := &cobra.Command{
		Use:   "validate <run-id>",
		Short: "Check the current phase without recording anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readContextPayload(rawCtx, ctxFile)
			if err != nil {
				return err
			}
			c, err := sdkClient()
			if err != nil {
				return err
			}
			res, err := c.ValidateRun(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.Passed {
				fmt.Printf("Phase %s would accept this context\n", res.Phase)
			} else {
				fmt.Printf("Phase %s would reject: %s\n", res.Phase, res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawCtx, "context", "", "context JSON object")
	cmd.Flags().StringVar(&ctxFile, "context-file", "", "file with the context JSON object")
	return cmd
}

func runHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <run-id>",
		Short: "Show a run's transition journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sdkClient()
			if err != nil {
				return err
			}
			items, err := c.RunHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Seq", "From", "To", "Outcome", "Reason", "TS"})
			for _, tr := range items {
				tw.AppendRow(table.Row{tr.Seq, tr.From, tr.To, tr.Outcome, deref(tr.Reason), tr.TS})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func runAbandonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <run-id>",
		Short: "Retire an active run without completing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sdkClient()
			if err != nil {
				return err
			}
			run, err := c.AbandonRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(run)
			}
			fmt.Printf("Abandoned run %s (was at %s)\n", run.ID, deref(run.CurrentPhase))
			return nil
		},
	}
	return cmd
}

func runExecCmd() *cobra.Command {
	var pipelineName, contextsFile string
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Drive a pipeline in process, no daemon",
		Long:  "Builds the gate locally and attempts one advance per JSONL line from --contexts-file (a single empty context when the flag is omitted). Nothing is persisted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWorkspaceConfig()
			if err != nil {
				return err
			}
			name := pipelineName
			if name == "" {
				name = cfg.DefaultPipeline()
			}
			spec, ok := cfg.Pipeline(name)
			if !ok {
				return fmt.Errorf("unknown pipeline %q", name)
			}
			phases, err := pipeline.Compile(spec)
			if err != nil {
				return err
			}
			g, err := gate.New(phases)
			if err != nil {
				return err
			}
			payloads, err := readContextLines(contextsFile)
			if err != nil {
				return err
			}
			for _, payload := range payloads {
				if g.Done() {
					break
				}
				cur, _ := g.Current()
				tr, err := g.Advance(payload)
				if err != nil {
					return err
				}
				if tr.Accepted() {
					fmt.Printf("%s: accepted -> %s\n", cur.ID, tr.To)
				} else {
					fmt.Printf("%s: rejected (%s)\n", cur.ID, tr.Reason)
				}
			}
			if viper.GetBool("json") {
				return printJSON(g.History())
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Seq", "From", "To", "Outcome", "Reason"})
			for _, tr := range g.History() {
				tw.AppendRow(table.Row{tr.Seq, tr.From, tr.To, tr.Outcome, tr.Reason})
			}
			tw.Render()
			if g.Done() {
				fmt.Println("Pipeline completed.")
			} else if cur, ok := g.Current(); ok {
				fmt.Printf("Stopped at %s.\n", cur.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "pipeline name (config default when empty)")
	cmd.Flags().StringVar(&contextsFile, "contexts-file", "", "JSONL file, one context object per advance")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage local API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actor, name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				key, raw, err := a.Engine.CreateAPIKey(ctx, engine.KeyCreateOptions{
					ActorID:   actor,
					Name:      name,
					Role:      role,
					CreatedBy: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"id":       key.ID,
						"actor_id": key.ActorID,
						"role":     key.Role,
						"key":      raw,
					})
				}
				fmt.Printf("Created key %s for %s (%s)\n", key.ID, key.ActorID, key.Role)
				fmt.Printf("Secret (shown once): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&role, "role", "", "viewer, operator, or admin (operator when empty)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Role", "Created At"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Role, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.DeleteAPIKey(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Deleted key %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += "/" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "limit", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx, err := app.Open(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer appCtx.Close()
			cfg := appCtx.Config
			if addr == "" {
				addr = viper.GetString("addr")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			if s := viper.GetString("jwt-secret"); s != "" {
				cfg.Auth.JWTSecret = s
			}
			if !cfg.Auth.AllowAnonymous && strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
				return fmt.Errorf("auth.jwt_secret is required unless auth.allow_anonymous is set")
			}
			swept, err := appCtx.Engine.SweepStaleRuns(cmd.Context())
			if err != nil {
				return err
			}
			if swept > 0 {
				logger.Info("abandoned stale runs from a previous process", zap.Int("count", swept))
			}
			handler, err := server.New(server.Config{
				Engine:   appCtx.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:       cfg.Auth.JWTSecret,
					AllowAnonymous:  cfg.Auth.AllowAnonymous,
					DevLoginEnabled: cfg.Auth.DevLoginEnabled,
					Logger:          logger,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving spiralsafe api",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Int("pipelines", len(cfg.Pipelines)))
			fmt.Printf("Serving Spiralsafe API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (config server.addr when empty)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (config server.base_path when empty)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func loadWorkspaceConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func sdkClient() (*spiralsafesdk.Client, error) {
	base := viper.GetString("server")
	if base == "" {
		cfg, err := loadWorkspaceConfig()
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Server.Addr
	}
	c := spiralsafesdk.New(base)
	c.APIKey = viper.GetString("api-key")
	c.ActorID = viper.GetString("actor-id")
	return c, nil
}

func readContextPayload(raw, file string) (map[string]any, error) {
	if raw != "" && file != "" {
		return nil, fmt.Errorf("use --context or --context-file, not both")
	}
	data := []byte(raw)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		data = b
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid context JSON: %w", err)
	}
	return payload, nil
}

func readContextLines(path string) ([]map[string]any, error) {
	if path == "" {
		return []map[string]any{{}}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var payloads []map[string]any
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		payload := map[string]any{}
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, scanner.Err()
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
