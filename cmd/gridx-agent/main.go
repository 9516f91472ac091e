// Command gridx-agent is the volunteer compute agent. It registers with
// a coordinator, polls for subtasks, runs them in a docker sandbox and
// uploads the resulting model artifacts.
//
// Usage:
//
//	gridx-agent run                       # start the agent loop
//	gridx-agent run --config gridx.yaml   # with a config file
//	gridx-agent version                   # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gridxlabs/gridx/config"
	"github.com/gridxlabs/gridx/internal/sandbox"
	"github.com/gridxlabs/gridx/internal/worker"
)

// Version is injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runAgent(os.Args[2:])
	case "version":
		fmt.Printf("gridx-agent %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runAgent(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	coordinator := fs.String("coordinator", "", "Coordinator base URL (overrides config)")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *coordinator != "" {
		cfg.Agent.CoordinatorURL = *coordinator
	}
	if cfg.Agent.CoordinatorURL == "" {
		fmt.Fprintln(os.Stderr, "Coordinator URL not configured (set agent.coordinator_url or --coordinator)")
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting agent",
		zap.String("version", Version),
		zap.String("coordinator", cfg.Agent.CoordinatorURL),
	)

	dockerCfg := sandbox.DefaultDockerConfig()
	if cfg.Sandbox.Image != "" {
		dockerCfg.Image = cfg.Sandbox.Image
	}
	if cfg.Sandbox.PidsLimit > 0 {
		dockerCfg.PidsLimit = cfg.Sandbox.PidsLimit
	}
	exec := sandbox.NewDockerExecutor(dockerCfg, logger)
	defer func() {
		if err := exec.Cleanup(); err != nil {
			logger.Warn("sandbox cleanup", zap.Error(err))
		}
	}()

	limits := sandbox.Limits{
		CPU:            cfg.Sandbox.CPU,
		MemoryMB:       cfg.Sandbox.MemoryMB,
		DiskMB:         cfg.Sandbox.DiskMB,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		Timeout:        cfg.Sandbox.Timeout,
	}

	client := worker.NewClient(cfg.Agent.CoordinatorURL)
	w, err := worker.New(client, exec, cfg.Agent, limits, logger)
	if err != nil {
		logger.Fatal("failed to create worker", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		logger.Fatal("agent loop failed", zap.Error(err))
	}
	logger.Info("agent stopped")
}

func printUsage() {
	fmt.Println(`gridx-agent - volunteer compute agent

Usage:
  gridx-agent <command> [options]

Commands:
  run       Start the agent loop
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>        Path to configuration file (YAML)
  --coordinator <url>    Coordinator base URL

Examples:
  gridx-agent run --coordinator http://coordinator:8080
  gridx-agent run --config /etc/gridx/agent.yaml`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
