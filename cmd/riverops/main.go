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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riverops/internal/config"
	"riverops/internal/db"
	"riverops/internal/domain"
	"riverops/internal/engine"
	"riverops/internal/events"
	"riverops/internal/migrate"
	"riverops/internal/repo"
	"riverops/internal/scheduler"
	"riverops/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "riverops",
	Short: "Riverops workorder service",
	Long: `Riverops tracks field-maintenance workorders for waterway management.
Orders are raised by AI vision alarms or human patrollers, dispatched to field
workers, reviewed in stages and confirmed before closure. A background sweep
escalates orders stuck waiting on reporter confirmation past their deadline.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RIVEROPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "riverops.yml", "config file path")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "print JSON instead of tables")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user id for local commands")
	rootCmd.PersistentFlags().String("role", "", "acting role for local commands")
	rootCmd.PersistentFlags().String("area", "", "acting area for local commands")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("area", rootCmd.PersistentFlags().Lookup("area"))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if dir := viper.GetString("data-dir"); dir != "" {
		cfg.Database.DataDir = dir
	}
	return cfg, nil
}

func openEngine(cfg *config.Config) (engine.Engine, error) {
	conn, err := db.Open(db.Config{DataDir: cfg.Database.DataDir})
	if err != nil {
		return engine.Engine{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		return engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	return engine.New(conn, cfg), nil
}

func localActor() domain.Actor {
	return domain.Actor{
		ID:     viper.GetString("actor-id"),
		Role:   domain.Role(viper.GetString("role")),
		AreaID: viper.GetString("area"),
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(workorderCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the escalation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			if cfg.Events.NATSURL != "" {
				pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
				if err != nil {
					return err
				}
				defer pub.Close()
				eng.Publisher = pub
			}

			sched := scheduler.New(eng, cfg)
			if err := sched.Start(); err != nil {
				return err
			}
			defer sched.Stop()

			handler, err := server.New(server.Config{
				Engine:    eng,
				Scheduler: sched,
				BasePath:  cfg.Server.BasePath,
				Auth:      server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() {
				fmt.Printf("riverops listening on %s (base path %s)\n", cfg.Server.Addr, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{DataDir: cfg.Database.DataDir})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrated", db.Path(cfg.Database.DataDir))
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			report, err := scheduler.New(eng, cfg).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("scanned=%d escalated=%d failed=%d\n", report.Scanned, report.Escalated, report.Failed)
			return nil
		},
	}
}

func workorderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workorder",
		Aliases: []string{"wo"},
		Short:   "Inspect and drive workorders",
	}

	var title, desc, priority, area string
	report := &cobra.Command{
		Use:   "report",
		Short: "Raise a manual workorder as the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			o, err := eng.CreateManual(cmd.Context(), engine.CreateOptions{
				Title:       title,
				Description: desc,
				Priority:    domain.Priority(priority),
				AreaID:      area,
			}, localActor())
			if err != nil {
				return err
			}
			printWorkOrders([]domain.WorkOrder{o})
			return nil
		},
	}
	report.Flags().StringVar(&title, "title", "", "workorder title")
	report.Flags().StringVar(&desc, "description", "", "workorder description")
	report.Flags().StringVar(&priority, "priority", "normal", "urgent|important|normal")
	report.Flags().StringVar(&area, "area", "", "area id (defaults to acting area)")
	_ = report.MarkFlagRequired("title")

	var status, kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List workorders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			items, err := eng.Repo.ListWorkOrders(cmd.Context(), repo.ListFilter{
				Status: domain.Status(status),
				Kind:   domain.WorkflowKind(kind),
				AreaID: area,
				Limit:  200,
			})
			if err != nil {
				return err
			}
			printWorkOrders(items)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().StringVar(&kind, "kind", "", "filter by workflow kind")
	list.Flags().StringVar(&area, "area-filter", "", "filter by area")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one workorder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			o, err := eng.Repo.GetWorkOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(o)
			return nil
		},
	}

	history := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the status history of a workorder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			items, err := eng.Repo.ListHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				printJSON(items)
				return nil
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Version", "From", "To", "Action", "Actor", "At", "Note"})
			for _, h := range items {
				from := ""
				if h.FromStatus != nil {
					from = string(*h.FromStatus)
				}
				t.AppendRow(table.Row{h.Version, from, h.ToStatus, h.Action, h.ActorID, h.OccurredAt, h.Note})
			}
			t.Render()
			return nil
		},
	}

	var note, assignee, resultDesc, method, intervention string
	var afterMedia, beforeMedia []string
	action := &cobra.Command{
		Use:   "action <id> <action>",
		Short: "Fire a lifecycle transition as the acting user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			req := engine.ApplyRequest{
				OrderID:      args[0],
				Action:       domain.Action(args[1]),
				Actor:        localActor(),
				Note:         note,
				AssigneeID:   assignee,
				Intervention: domain.InterventionResult(intervention),
			}
			if resultDesc != "" || len(afterMedia) > 0 {
				req.Result = &engine.ResultInput{
					Method:      method,
					Description: resultDesc,
					BeforeMedia: beforeMedia,
					AfterMedia:  afterMedia,
				}
			}
			applied, err := eng.ApplyActionRetry(cmd.Context(), req, cfg.Escalation.RetryAttempts)
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s (version %d, event %s)\n", args[1], applied.Order.Status, applied.Order.Version, applied.EventType)
			return nil
		},
	}
	action.Flags().StringVar(&note, "note", "", "note recorded in history")
	action.Flags().StringVar(&assignee, "assignee", "", "field worker to dispatch to")
	action.Flags().StringVar(&resultDesc, "result-description", "", "processing result description")
	action.Flags().StringVar(&method, "result-method", "", "processing method")
	action.Flags().StringSliceVar(&beforeMedia, "before-media", nil, "before media refs")
	action.Flags().StringSliceVar(&afterMedia, "after-media", nil, "after media refs")
	action.Flags().StringVar(&intervention, "intervention", "", "completed|rejected for timeout_intervene")

	cmd.AddCommand(report, list, show, history, action)
	return cmd
}

func printWorkOrders(items []domain.WorkOrder) {
	if viper.GetBool("json") {
		printJSON(items)
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Title", "Kind", "Status", "Priority", "Area", "Assignee", "Version"})
	for _, o := range items {
		assignee := ""
		if o.AssigneeID != nil {
			assignee = *o.AssigneeID
		}
		t.AppendRow(table.Row{o.ID, o.Title, o.WorkflowKind, o.Status, o.Priority, o.AreaID, assignee, o.Version})
	}
	t.Render()
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the user roster",
	}

	var id, name, role, area string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a roster entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			u := domain.User{
				ID:        id,
				Name:      name,
				Role:      domain.Role(role),
				AreaID:    area,
				Active:    true,
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if err := eng.Repo.InsertUser(cmd.Context(), u); err != nil {
				return err
			}
			fmt.Println("added", u.ID)
			return nil
		},
	}
	add.Flags().StringVar(&id, "id", "", "user id")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&role, "user-role", "", "admin|monitor_supervisor|field_worker|patroller|area_supervisor|viewer")
	add.Flags().StringVar(&area, "user-area", "", "area id for area-scoped roles")
	_ = add.MarkFlagRequired("id")
	_ = add.MarkFlagRequired("user-role")

	list := &cobra.Command{
		Use:   "list",
		Short: "List roster entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			users, err := eng.Repo.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				printJSON(users)
				return nil
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Name", "Role", "Area", "Active"})
			for _, u := range users {
				t.AppendRow(table.Row{u.ID, u.Name, u.Role, u.AreaID, u.Active})
			}
			t.Render()
			return nil
		},
	}

	deactivate := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a roster entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			if err := eng.Repo.SetUserActive(cmd.Context(), args[0], false); err != nil {
				return err
			}
			fmt.Println("deactivated", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, list, deactivate)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage machine API keys",
	}

	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plain key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			plain := uuid.NewString()
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actorID,
				Name:    name,
				KeyHash: repo.HashAPIKey(plain),
			}
			if err := eng.Repo.InsertAPIKey(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Println(plain)
			return nil
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("actor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			keys, err := eng.Repo.ListAPIKeys(cmd.Context(), "")
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				printJSON(keys)
				return nil
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
			for _, k := range keys {
				t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
			}
			t.Render()
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}
