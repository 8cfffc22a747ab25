package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"peerhub/internal/config"
	"peerhub/internal/db"
	"peerhub/internal/engine"
	"peerhub/internal/migrate"
	"peerhub/internal/notify"
	"peerhub/internal/payments"
	"peerhub/internal/repo"
	"peerhub/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "peerhub",
	Short: "PeerHub CLI",
	Long: `PeerHub is a two-sided marketplace matching builders with testers.
Builders post jobs (flat-rate or structured), fund them through the payment
processor, and review submitted work; testers claim slots or place bids,
deliver, and get paid out on approval. The workspace is a .peerhub directory
holding the SQLite database; configuration lives in peerhub.yml next to it.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PEERHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("PEERHUB_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" && !cfg.Server.AllowLegacyActorHeader {
				return fmt.Errorf("PEERHUB_JWT_SECRET is required for bearer auth")
			}
			gatewaySecret := cfg.Gateway.SecretKey
			if env := os.Getenv("PEERHUB_GATEWAY_SECRET_KEY"); env != "" {
				gatewaySecret = env
			}
			gw := payments.NewClient(cfg.Gateway.BaseURL, gatewaySecret)

			var sink notify.Sink = notify.Nop{}
			if cfg.Notify.Enabled && cfg.Notify.URL != "" {
				d := notify.NewDispatcher(cfg.Notify.URL)
				defer d.Close()
				sink = d
			}

			e := engine.New(conn, cfg, gw, sink)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				},
				WebhookSecret: cfg.Gateway.WebhookSecret,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving PeerHub API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			out, err := c.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default peerhub.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			out, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, out, 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfg
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect jobs"}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var builderID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListJobs(ctx, builderID, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Version", "Status", "Payment", "Total"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Title, j.SchemaVersion, j.Status, j.PaymentStatus, j.TotalCharge.StringFixed(2)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&builderID, "builder-id", "", "filter by builder")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				j, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
}

func submissionCmd() *cobra.Command {
	sub := &cobra.Command{Use: "submission", Short: "Inspect submissions"}
	var jobID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				subs, err := r.ListSubmissions(ctx, jobID, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(subs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Job", "Tester", "Service", "Status", "Payout", "Transfer"})
				for _, s := range subs {
					tw.AppendRow(table.Row{s.ID, s.JobID, s.TesterID, s.ServiceType, s.Status, s.PayoutAmount.StringFixed(2), s.TransferID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&jobID, "job-id", "", "filter by job")
	sub.AddCommand(list)
	return sub
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Platform job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountJobsByStatus(ctx, "")
				if err != nil {
					return err
				}
				return printJSON(counts)
			})
		},
	}
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				latest, err := r.LatestEventID(ctx)
				if err != nil {
					return err
				}
				cursor := latest - int64(n)
				if cursor < 0 {
					cursor = 0
				}
				events, err := r.EventsAfter(ctx, n, cursor)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	logRoot.AddCommand(tail)
	return logRoot
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
