// Command cybercmd is the entry point for the AI-mediated command
// orchestration service. It loads configuration, wires up the seven core
// components, and either starts the Inbound API server or runs a one-shot
// registry validation, depending on the subcommand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cybercmd/cybercmd/internal/config"
	"github.com/cybercmd/cybercmd/internal/httpserver"
	"github.com/cybercmd/cybercmd/internal/llmgateway"
	"github.com/cybercmd/cybercmd/internal/logging"
	"github.com/cybercmd/cybercmd/internal/metrics"
	"github.com/cybercmd/cybercmd/internal/orchestrator"
	"github.com/cybercmd/cybercmd/internal/procexec"
	"github.com/cybercmd/cybercmd/internal/registry"
	"github.com/cybercmd/cybercmd/internal/risk"
	"github.com/cybercmd/cybercmd/internal/sessionstore"
	"github.com/cybercmd/cybercmd/internal/toolselect"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if procexec.IsRlimitChildInvocation() {
		if err := procexec.RunRlimitChild(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "cybercmd",
		Short: "AI-mediated command orchestration for cybersecurity tooling",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config/cybercmd.yaml", "path to cybercmd.yaml")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newRegistryCmd(&cfgPath))

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cybercmd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newRegistryCmd(cfgPath *string) *cobra.Command {
	registryCmd := &cobra.Command{Use: "registry", Short: "Inspect the tool registry (C1)"}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load the registry, risk patterns, and prompt templates without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("loading config %q: %w", *cfgPath, err)
			}
			logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
			if err != nil {
				return fmt.Errorf("initialising logger: %w", err)
			}
			reg, err := loadRegistry(cfg, logger)
			if err != nil {
				return err
			}
			entries := reg.Entries()
			fmt.Fprintf(cmd.OutOrStdout(), "registry OK: %d tools, %d risk patterns\n", len(entries), len(reg.Patterns()))
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-20s selectable=%v\n", e.Name, reg.IsSelectable(e.Name))
			}
			return nil
		},
	}
	registryCmd.AddCommand(validate)
	return registryCmd
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Inbound API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*cfgPath)
		},
	}
}

func loadRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Store, error) {
	return registry.Load(cfg.Paths.ToolRegistry, cfg.Paths.PerToolRegistries, cfg.Paths.RiskPatterns, cfg.Paths.Prompts, logger)
}

func serve(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", cfgPath, err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}

	var errLogger *logging.ErrorLogger
	if cfg.Logging.ErrorLogDir != "" && cfg.Logging.ErrorLogFilename != "" {
		errLogger = logging.NewErrorLogger(cfg.Logging.ErrorLogDir, cfg.Logging.ErrorLogFilename)
	}

	logger.Info("configuration loaded",
		slog.String("config", cfgPath),
		slog.String("llm_base_url", cfg.LLM.BaseURL),
		slog.Int("max_global", cfg.Executor.MaxGlobal),
		slog.Int("max_per_session", cfg.Executor.MaxPerSession),
	)

	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}

	m := metrics.New()

	llmClient := llmgateway.New(
		cfg.LLM.BaseURL,
		cfg.LLM.Model,
		cfg.LLM.APIKey,
		time.Duration(cfg.LLM.DeadlineMs)*time.Millisecond,
		cfg.LLM.CacheCapacity,
		reg,
		logger,
	)
	llmClient.Metrics = m

	riskEval := risk.NewWithConfirmAt(reg.Patterns(), llmClient, registry.ParseRiskLevel(cfg.Risk.RequireConfirmationAt))
	librarian := toolselect.NewLibrarian(reg, llmClient)
	composer := toolselect.NewComposer(reg, llmClient)

	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving self executable path: %w", err)
	}

	// A tool's output parser is the one named by its optional parser: key.
	parserFor := func(tool string) registry.Parser {
		tr, err := reg.LookupTool(tool)
		if err != nil {
			return nil
		}
		return registry.ParserFor(tr.Parser)
	}

	exec := procexec.New(procexec.Config{
		DefaultDeadline: time.Duration(cfg.Executor.DefaultDeadlineS) * time.Second,
		DefaultCaps: procexec.ResourceCaps{
			CPUSeconds:     int(cfg.Executor.CPUSeconds),
			MemBytes:       cfg.Executor.MemBytes,
			FileSizeBytes:  cfg.Executor.FsizeBytes,
			OutputCapBytes: cfg.Executor.OutputCapBytes,
		},
		MaxGlobal:     cfg.Executor.MaxGlobal,
		MaxPerSession: cfg.Executor.MaxPerSession,
		SelfExe:       selfExe,
		OutputDir:     cfg.Paths.Outputs,
	}, parserFor, logger)
	exec.SetMetrics(m)

	sessions, err := sessionstore.New(
		cfg.Paths.Outputs,
		cfg.Session.ConvCap,
		cfg.Session.CmdCap,
		time.Duration(cfg.Session.TTLSeconds)*time.Second,
	)
	if err != nil {
		return fmt.Errorf("initialising session store: %w", err)
	}
	if err := sessions.LoadAll(registry.RoleStudent, sessionstore.ModeInteractive); err != nil {
		logger.Warn("restoring sessions from disk failed", slog.String("error", err.Error()))
	}

	evictTicker := time.NewTicker(10 * time.Minute)
	defer evictTicker.Stop()
	evictDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-evictTicker.C:
				if expired := sessions.EvictExpired(); len(expired) > 0 {
					logger.Info("evicted expired sessions", slog.Int("count", len(expired)))
				}
			case <-evictDone:
				return
			}
		}
	}()
	defer close(evictDone)

	brain := orchestrator.New(reg, llmClient, riskEval, librarian, composer, exec, sessions, logger, errLogger)
	brain.Metrics = m
	orchestrator.Version = version

	srv := httpserver.New(cfg, brain, sessions, exec, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("signal received, shutting down", slog.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
