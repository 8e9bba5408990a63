// Package main provides the CLI entry point for nightwatchd, the homelab
// incident-response daemon.
//
// nightwatchd ingests Alertmanager-shaped webhooks, runs each alert through
// a four-stage LLM agent pipeline (Monitor, Analyst, Healer, Communicator),
// gates destructive remediation behind a Slack approval workflow, and
// persists closed incidents as vector-embedded memory that informs future
// diagnoses.
//
// # Basic usage
//
// Start the daemon:
//
//	nightwatchd serve --config nightwatch.yaml
//
// Apply pending Postgres migrations:
//
//	nightwatchd migrate
//
// Validate configuration and connectivity without starting the server:
//
//	nightwatchd doctor --config nightwatch.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nightwatch/internal/agent"
	"github.com/haasonsaas/nightwatch/internal/approval"
	"github.com/haasonsaas/nightwatch/internal/audit"
	slackchannel "github.com/haasonsaas/nightwatch/internal/channels/slack"
	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/internal/llm"
	"github.com/haasonsaas/nightwatch/internal/memory"
	"github.com/haasonsaas/nightwatch/internal/observability"
	"github.com/haasonsaas/nightwatch/internal/pipeline"
	"github.com/haasonsaas/nightwatch/internal/scheduler"
	"github.com/haasonsaas/nightwatch/internal/storage"
	"github.com/haasonsaas/nightwatch/internal/tools"
	"github.com/haasonsaas/nightwatch/internal/tools/chatsend"
	"github.com/haasonsaas/nightwatch/internal/tools/containers"
	"github.com/haasonsaas/nightwatch/internal/tools/database"
	"github.com/haasonsaas/nightwatch/internal/tools/dns"
	"github.com/haasonsaas/nightwatch/internal/tools/hypervisor"
	"github.com/haasonsaas/nightwatch/internal/tools/memorysearch"
	"github.com/haasonsaas/nightwatch/internal/tools/promquery"
	"github.com/haasonsaas/nightwatch/internal/toolkeys"
	"github.com/haasonsaas/nightwatch/internal/webhook"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nightwatchd",
		Short:        "Homelab incident-response daemon",
		Long:         "nightwatchd diagnoses and remediates homelab alerts through a four-stage LLM agent pipeline, gated by human approval for destructive actions.",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildMigrateCmd(), buildDoctorCmd(), buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "nightwatchd %s (commit %s)\n", version, commit)
			return nil
		},
	}
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations for the incident/audit durability store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Postgres.DSN == "" {
				return fmt.Errorf("postgres.dsn is not configured; nothing to migrate")
			}
			store, err := storage.New(storage.Config{DSN: cfg.Postgres.DSN, RunMigrations: true})
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			defer store.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nightwatch.yaml", "Path to YAML configuration file")
	return cmd
}

func buildDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and probe configured integrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Fprintln(out, "config: ok")

			mem, err := memory.New(memory.Config{
				Backend:   cfg.Memory.Backend,
				Dimension: cfg.Memory.Dimension,
				TopK:      cfg.Memory.TopK,
				MinScore:  cfg.Memory.MinScore,
				SQLiteVec: memory.SQLiteVecConfig{Path: cfg.Memory.SQLiteVec.Path},
				Pgvector: memory.PgvectorConfig{
					DSN:           cfg.Memory.Pgvector.DSN,
					RunMigrations: false,
				},
				Embeddings: memory.EmbeddingsConfig{
					Provider: cfg.Memory.Embeddings.Provider,
					APIKey:   cfg.Memory.Embeddings.APIKey,
					BaseURL:  cfg.Memory.Embeddings.BaseURL,
					Model:    cfg.Memory.Embeddings.Model,
				},
			})
			if err != nil {
				fmt.Fprintf(out, "memory: FAILED (%v)\n", err)
			} else {
				defer mem.Close()
				if _, err := mem.Stats(cmd.Context()); err != nil {
					fmt.Fprintf(out, "memory: connected, stats probe failed (%v)\n", err)
				} else {
					fmt.Fprintln(out, "memory: ok")
				}
			}

			if cfg.Postgres.DSN != "" {
				store, err := storage.New(storage.Config{DSN: cfg.Postgres.DSN})
				if err != nil {
					fmt.Fprintf(out, "postgres: FAILED (%v)\n", err)
				} else {
					store.Close()
					fmt.Fprintln(out, "postgres: ok")
				}
			} else {
				fmt.Fprintln(out, "postgres: not configured (incident history will not survive a restart)")
			}

			fmt.Fprintln(out, "slack: credentials present (not probed; requires a live Socket Mode connection)")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nightwatch.yaml", "Path to YAML configuration file")
	return cmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the incident-response daemon",
		Long: `Start nightwatchd with all configured integrations.

The daemon will:
1. Load and validate configuration
2. Connect to Slack (approval channel and Communicator sink)
3. Initialize the Vector Incident Memory
4. Register the tool catalogue and start the Incident Pipeline's worker pool
5. Start the webhook/observability HTTP server
6. Start the proactive health-check and report scheduler

Graceful shutdown is triggered by SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nightwatch.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded", "config", configPath, "memoryBackend", cfg.Memory.Backend)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics(nil)

	auditOpts := []audit.Option{}
	var durableStore *storage.Store
	if cfg.Postgres.DSN != "" {
		durableStore, err = storage.New(storage.Config{DSN: cfg.Postgres.DSN, RunMigrations: cfg.Postgres.RunMigrations})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer durableStore.Close()
		auditOpts = append(auditOpts, audit.WithSink(durableStore))
		logger.Info("incident durability enabled", "backend", "postgres")
	}

	auditLog, err := audit.NewLogger(cfg.Audit.Path, logger, auditOpts...)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	mem, err := memory.New(memory.Config{
		Backend:   cfg.Memory.Backend,
		Dimension: cfg.Memory.Dimension,
		TopK:      cfg.Memory.TopK,
		MinScore:  cfg.Memory.MinScore,
		SQLiteVec: memory.SQLiteVecConfig{Path: cfg.Memory.SQLiteVec.Path},
		Pgvector: memory.PgvectorConfig{
			DSN:           cfg.Memory.Pgvector.DSN,
			RunMigrations: cfg.Postgres.RunMigrations,
		},
		Embeddings: memory.EmbeddingsConfig{
			Provider: cfg.Memory.Embeddings.Provider,
			APIKey:   cfg.Memory.Embeddings.APIKey,
			BaseURL:  cfg.Memory.Embeddings.BaseURL,
			Model:    cfg.Memory.Embeddings.Model,
		},
	})
	if err != nil {
		return fmt.Errorf("init vector memory: %w", err)
	}
	defer mem.Close()

	llmClient, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:       cfg.Anthropic.APIKey,
		MaxRetries:   cfg.Anthropic.MaxRetries,
		RetryDelay:   cfg.Anthropic.RetryDelay,
		DefaultModel: cfg.Anthropic.Model,
	})
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	// The Gate and the Slack adapter each need a reference to the other
	// (the Gate posts approval requests through the adapter; the adapter
	// resolves incoming APPROVE/REJECT commands back through the Gate), so
	// the adapter is built against a resolver shim whose target is filled
	// in once the Gate exists.
	resolver := &gateResolver{}
	slackAdapter := slackchannel.New(slackchannel.Config{
		BotToken:  cfg.Slack.BotToken,
		AppToken:  cfg.Slack.AppToken,
		ChannelID: cfg.Slack.ChannelID,
	}, resolver, logger)

	critical := approval.NewCriticalTargets(cfg.Critical)
	gate := approval.NewGate(slackAdapter, critical, auditLog,
		approval.WithTimeout(cfg.ApprovalTimeout()),
		approval.WithDryRun(cfg.Approval.DryRun),
		approval.WithMetrics(metrics),
	)
	resolver.gate = gate

	keys := toolkeys.New()
	registry := tools.New(gate, keys)
	registry.SetMetrics(metrics)

	if err := registerTools(registry, cfg, mem, slackAdapter); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	budgets := agent.Budgets{
		MaxToolCalls: cfg.Pipeline.StageToolBudget,
		WallClock:    time.Duration(cfg.Pipeline.StageWallClockSeconds) * time.Second,
		ToolFanout:   cfg.Pipeline.ToolFanout,
	}
	runners := pipeline.Runners{
		Monitor:      agent.New(tools.RoleMonitor, agent.SystemPrompt("monitor"), llmClient, registry, budgets, cfg.Anthropic.Model, 4096),
		Analyst:      agent.New(tools.RoleAnalyst, agent.SystemPrompt("analyst"), llmClient, registry, budgets, cfg.Anthropic.Model, 4096),
		Healer:       agent.New(tools.RoleHealer, agent.SystemPrompt("healer"), llmClient, registry, budgets, cfg.Anthropic.Model, 4096),
		Communicator: agent.New(tools.RoleCommunicator, agent.SystemPrompt("communicator"), llmClient, registry, budgets, cfg.Anthropic.Model, 1024),
	}

	orchestrator := pipeline.New(runners, mem, logger, pipeline.Config{
		Deadline:    cfg.PipelineDeadline(),
		DedupWindow: cfg.DedupWindow(),
		QueueSize:   cfg.Pipeline.QueueSize,
		Concurrency: cfg.Pipeline.MaxConcurrent,
		DryRun:      cfg.Approval.DryRun,
	})
	orchestrator.SetMetrics(metrics)
	if durableStore != nil {
		orchestrator.SetDurable(durableStore)
	}
	orchestrator.Start()
	defer orchestrator.Stop(context.Background())

	if err := slackAdapter.Start(ctx); err != nil {
		return fmt.Errorf("start slack adapter: %w", err)
	}

	webhookHandler := webhook.New(orchestrator, logger, webhook.WithSharedSecret(cfg.Server.WebhookSecret))
	obsServer := observability.NewServer(orchestrator, mem, metrics, logger, version)

	mux := http.NewServeMux()
	mux.Handle("/alert", webhookHandler)
	mux.Handle("/", obsServer.Handler())
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	sched := scheduler.New(orchestrator, mem, scheduler.WithReportSink(slackAdapter), scheduler.WithLogger(logger))
	sched.AddSyntheticJob("proactive-health-check", cfg.Scheduler.HealthCheckInterval, "info", map[string]string{"job": "synthetic-health-check"})
	sched.AddReportJob("daily-report", 24*time.Hour, "daily")
	sched.AddReportJob("weekly-report", 7*24*time.Hour, "weekly")
	sched.Start(ctx)
	defer sched.Stop(context.Background())

	logger.Info("nightwatchd started", "version", version)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("nightwatchd stopped")
	return nil
}

// gateResolver breaks the construction-order cycle between the Approval
// Gate (which needs a Channel to post to) and the Slack adapter (which
// needs a Resolver to deliver decisions back to) by deferring to a *Gate
// filled in once both are constructed.
type gateResolver struct {
	gate *approval.Gate
}

func (r *gateResolver) Resolve(approvalID string, decision models.ApprovalDecision, deciderRef string) bool {
	if r.gate == nil {
		return false
	}
	return r.gate.Resolve(approvalID, decision, deciderRef)
}

// registerTools builds each integration client and registers its tool
// family with registry, silently skipping (not a fatal error) any family
// whose endpoint/DSN was left unconfigured — a homelab operator may not run
// every integration.
func registerTools(registry *tools.Registry, cfg *config.Config, mem *memory.Manager, sender chatsend.Sender) error {
	if cfg.Tools.Hypervisor.Endpoint != "" {
		client := hypervisor.New(cfg.Tools.Hypervisor)
		if err := hypervisor.Register(registry, client); err != nil {
			return err
		}
	}
	if cfg.Tools.Containers.Endpoint != "" {
		client := containers.New(cfg.Tools.Containers)
		if err := containers.Register(registry, client); err != nil {
			return err
		}
	}
	if cfg.Tools.Database.DSN != "" {
		client, err := database.New(cfg.Tools.Database)
		if err != nil {
			return fmt.Errorf("database client: %w", err)
		}
		if err := database.Register(registry, client); err != nil {
			return err
		}
	}
	if cfg.Tools.DNS.Endpoint != "" {
		client := dns.New(cfg.Tools.DNS)
		if err := dns.Register(registry, client); err != nil {
			return err
		}
	}
	if cfg.Tools.Prometheus.Endpoint != "" {
		client, err := promquery.New(cfg.Tools.Prometheus)
		if err != nil {
			return fmt.Errorf("promquery client: %w", err)
		}
		if err := promquery.Register(registry, client); err != nil {
			return err
		}
	}
	if err := memorysearch.Register(registry, mem); err != nil {
		return err
	}
	if err := chatsend.Register(registry, sender); err != nil {
		return err
	}
	return nil
}
