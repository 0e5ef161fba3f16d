// Package main provides the BioOF CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeffreymariaraj/BioOF/pkg/audit"
	"github.com/jeffreymariaraj/BioOF/pkg/auth"
	"github.com/jeffreymariaraj/BioOF/pkg/config"
	"github.com/jeffreymariaraj/BioOF/pkg/hybrid"
	"github.com/jeffreymariaraj/BioOF/pkg/logging"
	"github.com/jeffreymariaraj/BioOF/pkg/seed"
	"github.com/jeffreymariaraj/BioOF/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bioof",
		Short: "BioOF - hybrid relational/document gene store",
		Long: `BioOF keeps project and experiment metadata in a relational catalog,
gene documents in an embedded document store, and serves them through a
cache-aside reader, an HNSW similarity index and an online schema
evolution coordinator.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (env BIOOF_* overrides it)")
	rootCmd.PersistentFlags().String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "BioOF v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().Bool("no-auth", false, "Leave admin endpoints open")
	serveCmd.Flags().Bool("seed", false, "Seed an empty store before serving")
	rootCmd.AddCommand(serveCmd)

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate and load a synthetic dataset",
		RunE:  runSeed,
	}
	def := seed.DefaultConfig()
	seedCmd.Flags().Int("projects", def.Projects, "Number of projects")
	seedCmd.Flags().Int("experiments", def.Experiments, "Number of experiments")
	seedCmd.Flags().Int("genes", def.Genes, "Number of gene documents")
	seedCmd.Flags().Int64("seed", def.Seed, "Random seed")
	seedCmd.Flags().Bool("force", false, "Seed even if the catalog has projects")
	rootCmd.AddCommand(seedCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the similarity index and save a snapshot",
		RunE:  runReindex,
	})

	evolveCmd := &cobra.Command{
		Use:   "evolve NAME",
		Short: "Register a schema attribute and backfill its default",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvolve,
	}
	evolveCmd.Flags().String("default", "", "Default value")
	evolveCmd.Flags().String("type", "string", "Data type: string, int, float, bool")
	evolveCmd.Flags().Bool("resume", false, "Resume an interrupted evolution of NAME")
	rootCmd.AddCommand(evolveCmd)

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "List the active schema registry",
		RunE:  runSchema,
	}
	schemaCmd.Flags().Bool("json", false, "Print JSON")
	rootCmd.AddCommand(schemaCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print chromosome and GC-content analytics",
		RunE:  runStats,
	})

	queryCmd := &cobra.Command{
		Use:   "query PROJECT_ID",
		Short: "Run a hybrid query for one project",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	queryCmd.Flags().Float64("min-score", 0, "Minimum expression score")
	rootCmd.AddCommand(queryCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "hash-password PASSWORD",
		Short: "Print a bcrypt hash for BIOOF_ADMIN_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0], 0)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the admin audit trail",
		RunE:  runAudit,
	}
	auditCmd.Flags().Duration("since", 24*time.Hour, "How far back to look")
	auditCmd.Flags().StringSlice("type", nil, "Event types to include")
	auditCmd.Flags().Int("limit", 100, "Most recent events to show")
	rootCmd.AddCommand(auditCmd)

	return rootCmd
}

// loadConfig reads .env, the config file and the environment, then builds
// the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, io.Closer, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, nil, fmt.Errorf("loading .env: %w", err)
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, closer, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

// withStack opens the stores, runs fn and closes everything.
func withStack(cmd *cobra.Command, fn func(ctx context.Context, st *stack) error) error {
	cfg, logger, closer, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Warn("closing stores", "error", cerr)
		}
	}()
	return fn(ctx, st)
}

func openAudit(cfg *config.Config) (*audit.Logger, error) {
	return audit.NewLogger(audit.Config{
		Enabled: cfg.Server.AuditLog != "",
		LogPath: cfg.Server.AuditLog,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	noAuth, _ := cmd.Flags().GetBool("no-auth")
	seedFirst, _ := cmd.Flags().GetBool("seed")

	return withStack(cmd, func(ctx context.Context, st *stack) error {
		cfg := st.cfg
		st.logger.Info("starting BioOF", "version", version, "config", cfg.String())

		if seedFirst {
			sum, err := seed.Run(ctx, st.catalog, st.docs, seed.DefaultConfig(), st.logger)
			if err != nil {
				return fmt.Errorf("seeding: %w", err)
			}
			st.logger.Info("seed finished", "skipped", sum.Skipped, "genes", sum.Genes)
		}

		status, err := st.svc.WarmIndex(ctx)
		if err != nil {
			return fmt.Errorf("warming similarity index: %w", err)
		}
		st.logger.Info("similarity index ready", "source", status.Source, "genes", status.Genes, "generation", status.Generation)

		var guard *auth.Guard
		if !noAuth {
			guard, err = auth.NewGuard(auth.Config{
				User:         cfg.Server.AdminUser,
				PasswordHash: cfg.Server.AdminPasswordHash,
			}, st.logger)
			if err != nil {
				return fmt.Errorf("creating admin guard: %w", err)
			}
		}
		if !guard.Enabled() {
			st.logger.Warn("admin endpoints are not protected", "hint", "set BIOOF_ADMIN_PASSWORD_HASH")
		}

		trail, err := openAudit(cfg)
		if err != nil {
			return err
		}
		defer trail.Close()

		serverConfig := server.DefaultConfig()
		serverConfig.Address = cfg.Server.Address
		serverConfig.Port = cfg.Server.Port
		if port > 0 {
			serverConfig.Port = port
		}
		serverConfig.CORSOrigins = cfg.Server.CORSOrigins
		if cfg.Server.ReadTimeout > 0 {
			serverConfig.ReadTimeout = cfg.Server.ReadTimeout
		}
		if cfg.Server.WriteTimeout > 0 {
			serverConfig.WriteTimeout = cfg.Server.WriteTimeout
		}
		server.Version = version

		httpServer, err := server.New(st.svc, serverConfig, server.Options{
			Guard:   guard,
			Audit:   trail,
			Metrics: st.metrics,
			Logger:  st.logger,
			Catalog: st.catalog,
			Docs:    st.docs,
		})
		if err != nil {
			return fmt.Errorf("creating server: %w", err)
		}
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("starting server: %w", err)
		}

		<-ctx.Done()
		st.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stopping server: %w", err)
		}
		return nil
	})
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg := seed.DefaultConfig()
	cfg.Projects, _ = cmd.Flags().GetInt("projects")
	cfg.Experiments, _ = cmd.Flags().GetInt("experiments")
	cfg.Genes, _ = cmd.Flags().GetInt("genes")
	cfg.Seed, _ = cmd.Flags().GetInt64("seed")
	cfg.Force, _ = cmd.Flags().GetBool("force")

	return withStack(cmd, func(ctx context.Context, st *stack) error {
		cfg.BatchSize = st.cfg.DocStore.BatchSize
		sum, err := seed.Run(ctx, st.catalog, st.docs, cfg, st.logger)
		if err != nil {
			return err
		}
		trail, err := openAudit(st.cfg)
		if err != nil {
			return err
		}
		defer trail.Close()
		_ = trail.Log(audit.Event{
			Type:    audit.EventSeed,
			Success: true,
			Metadata: map[string]string{
				"projects": fmt.Sprint(sum.Projects),
				"genes":    fmt.Sprint(sum.Genes),
				"skipped":  fmt.Sprint(sum.Skipped),
			},
		})
		if !sum.Skipped {
			if _, err := st.svc.RebuildIndex(ctx); err != nil {
				return fmt.Errorf("rebuilding index after seed: %w", err)
			}
		}
		return printJSON(cmd.OutOrStdout(), sum)
	})
}

func runReindex(cmd *cobra.Command, args []string) error {
	return withStack(cmd, func(ctx context.Context, st *stack) error {
		status, err := st.svc.RebuildIndex(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), status)
	})
}

func runEvolve(cmd *cobra.Command, args []string) error {
	def, _ := cmd.Flags().GetString("default")
	typ, _ := cmd.Flags().GetString("type")
	resume, _ := cmd.Flags().GetBool("resume")

	return withStack(cmd, func(ctx context.Context, st *stack) error {
		var (
			res *hybrid.EvolutionResult
			err error
		)
		if resume {
			res, err = st.svc.ResumeEvolution(ctx, args[0])
		} else {
			res, err = st.svc.EvolveSchema(ctx, hybrid.EvolveRequest{Attribute: args[0], DefaultValue: def, DataType: typ})
		}
		if res != nil {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
		}
		return err
	})
}

func runSchema(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withStack(cmd, func(ctx context.Context, st *stack) error {
		attrs, err := st.svc.ActiveSchema(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), attrs)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTYPE\tDEFAULT\tCREATED")
		for _, a := range attrs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Name, a.DataType, a.DefaultValue, a.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withStack(cmd, func(ctx context.Context, st *stack) error {
		stats, err := st.svc.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	})
}

func runQuery(cmd *cobra.Command, args []string) error {
	minScore, _ := cmd.Flags().GetFloat64("min-score")
	var projectID int64
	if _, err := fmt.Sscan(args[0], &projectID); err != nil {
		return fmt.Errorf("project id must be an integer: %q", args[0])
	}
	return withStack(cmd, func(ctx context.Context, st *stack) error {
		res, err := st.svc.HybridQuery(ctx, projectID, minScore)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	})
}

func runAudit(cmd *cobra.Command, args []string) error {
	since, _ := cmd.Flags().GetDuration("since")
	types, _ := cmd.Flags().GetStringSlice("type")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, _, closer, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()
	if cfg.Server.AuditLog == "" {
		return fmt.Errorf("audit trail disabled (BIOOF_AUDIT_LOG is empty)")
	}

	q := audit.Query{Limit: limit}
	if since > 0 {
		q.StartTime = time.Now().Add(-since)
	}
	for _, t := range types {
		q.Types = append(q.Types, audit.EventType(strings.ToUpper(t)))
	}
	events, skipped, err := audit.ReadFile(cfg.Server.AuditLog, q)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tRESOURCE\tUSER\tCLIENT\tOK\tREASON")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Type, e.ResourceID, e.Username, e.IPAddress, e.Success, e.Reason)
	}
	if skipped > 0 {
		fmt.Fprintf(tw, "(%d unreadable lines skipped)\n", skipped)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
