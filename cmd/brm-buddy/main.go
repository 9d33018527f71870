package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"brm-buddy/internal/config"
	"brm-buddy/internal/logging"
	"brm-buddy/internal/runner"
	"brm-buddy/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

type options struct {
	configPath string
	envFile    string
	port       int
	logLevel   string
}

func newRootCmd(opts *options) *cobra.Command {
	serve := func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, opts)
	}

	root := &cobra.Command{
		Use:   "brm-buddy",
		Short: "Local web console for BRM opcodes and SQL",
		Long: `BRM Buddy serves a small web page for running BRM opcodes through testnap
and SQL through sqlplus, and shows their output verbatim.

Configuration comes from a YAML file (--config), then .env, then the
environment, then flags.`,
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().IntVarP(&opts.port, "port", "p", config.DefaultPort, "port to listen on")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the console (default)",
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "brm-buddy %s\n", version)
			},
		},
	)
	return root
}

func main() {
	if err := newRootCmd(&options{envFile: ".env"}).Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig applies the flags the user actually set on top of the file and
// environment configuration.
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var envFiles []string
	if o.envFile != "" {
		envFiles = append(envFiles, o.envFile)
	}
	cfg, err := config.Load(o.configPath, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f := cmd.Flag("port"); f != nil && f.Changed {
		cfg.Port = o.port
	}
	if f := cmd.Flag("log-level"); f != nil && f.Changed {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, opts *options) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Starting BRM Buddy...", zap.String("version", version))
	checkCollaborators(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.NewServer(cfg, nil, logger).Run(ctx)
}

// checkCollaborators reports on the scripts and credentials the actions rely
// on. Problems are logged, not fatal: the console still serves its page and
// each action reports its own failure.
func checkCollaborators(cfg *config.Config, logger *zap.Logger) {
	infos, err := runner.PrepareScripts(
		runner.Script{Name: "opcode", Path: cfg.OpcodeScript},
		runner.Script{Name: "sql", Path: cfg.SQLScript},
	)
	if err != nil {
		logger.Warn("collaborator scripts not ready", zap.Error(err))
	}
	for _, info := range infos {
		logger.Info("collaborator script",
			zap.String("name", info.Name),
			zap.String("path", info.Path),
			zap.String("sha256", info.SHA256),
		)
	}

	if cfg.DBUser == "" || cfg.DBPassword == "" || cfg.DBService == "" {
		logger.Warn("database credentials incomplete; run_sql will pass empty values",
			zap.Bool("user_set", cfg.DBUser != ""),
			zap.Bool("password_set", cfg.DBPassword != ""),
			zap.Bool("service_set", cfg.DBService != ""),
		)
	}
}
