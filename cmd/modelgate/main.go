package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/modelgate/internal/api"
	"github.com/floegence/modelgate/internal/budget"
	"github.com/floegence/modelgate/internal/config"
	"github.com/floegence/modelgate/internal/gateway"
	"github.com/floegence/modelgate/internal/provider"
	"github.com/floegence/modelgate/internal/retrieval"
	"github.com/floegence/modelgate/internal/settings"
	"github.com/floegence/modelgate/internal/tools"
	"github.com/floegence/modelgate/internal/trace"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "set-key":
		setKeyCmd(os.Args[2:])
	case "version":
		fmt.Printf("modelgate %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `modelgate

Usage:
  modelgate serve [flags]
  modelgate set-key [flags]
  modelgate version

Commands:
  serve     Run the gateway daemon using the local config file.
  set-key   Store an API key for a configured provider in the secrets file.
  version   Print build information.

`)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "modelgate.yaml"
	}
	return filepath.Join(home, ".modelgate", "config.yaml")
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "Config file path")
	logFormat := fs.String("log-format", "text", "Log format: json|text")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(*logFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	secretsPath := cfg.SecretsPath
	if strings.TrimSpace(secretsPath) == "" {
		secretsPath = filepath.Join(filepath.Dir(filepath.Clean(*cfgPath)), "secrets.json")
	}
	secrets := settings.NewSecretsStore(secretsPath)

	providerConfigs, err := cfg.ProviderConfigs(secrets.ProviderAPIKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load provider configs: %v\n", err)
		os.Exit(1)
	}
	dispatcher, err := provider.New(providerConfigs, provider.NormalizeKind(cfg.DefaultProviderKind), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init provider dispatcher: %v\n", err)
		os.Exit(1)
	}

	registry := tools.NewRegistry()
	executor := tools.NewLocalExecutor(registry)
	if err := tools.RegisterBuiltins(registry, executor); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register builtin tools: %v\n", err)
		os.Exit(1)
	}

	loop := gateway.NewLoop(dispatcher, executor, gateway.LoopConfig{
		MaxIterations:    cfg.Loop.MaxIterations,
		BadOutputRetries: cfg.Loop.BadOutputRetries,
		ExecutorModel:    cfg.ExecutorModel,
	}, logger)

	opts := api.Options{
		Retriever: retrieval.NewMemoryRetriever(),
		Models:    cfg.ModelIDs(),
	}
	if strings.TrimSpace(cfg.TraceDBPath) != "" {
		store, err := trace.OpenStore(cfg.TraceDBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open trace store: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()
		opts.TraceStore = store
		opts.Verifier = gateway.NewVerifier(&verificationSink{store: store}, logger)
	} else {
		opts.Verifier = gateway.NewVerifier(nil, logger)
	}

	manager := budget.NewManager(budget.HeuristicCounter{}, logger)
	server := api.NewServer(loop, manager, cfg.CapabilityFor, opts, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("modelgate listening", "addr", cfg.ListenAddr, "version", Version)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		os.Exit(1)
	}
}

func setKeyCmd(args []string) {
	fs := flag.NewFlagSet("set-key", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "Config file path")
	providerID := fs.String("provider", "", "Provider id from the config file")
	key := fs.String("key", "", "API key value (reads MODELGATE_API_KEY when empty)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*providerID) == "" {
		fs.Usage()
		os.Exit(2)
	}
	apiKey := strings.TrimSpace(*key)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("MODELGATE_API_KEY"))
	}
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "missing api key: pass -key or set MODELGATE_API_KEY")
		os.Exit(2)
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	secretsPath := cfg.SecretsPath
	if strings.TrimSpace(secretsPath) == "" {
		secretsPath = filepath.Join(filepath.Dir(filepath.Clean(*cfgPath)), "secrets.json")
	}
	secrets := settings.NewSecretsStore(secretsPath)
	if err := secrets.SetProviderAPIKey(*providerID, apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Key stored for provider %s: %s\n", *providerID, secrets.Path())
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// verificationSink adapts the trace store to the gateway's learning sink.
type verificationSink struct {
	store *trace.SQLiteStore
}

func (s *verificationSink) RecordVerification(ctx context.Context, runID string, result gateway.VerificationResult) error {
	deviations := []byte("[]")
	if len(result.Deviations) > 0 {
		if b, err := json.Marshal(result.Deviations); err == nil {
			deviations = b
		}
	}
	return s.store.SaveVerification(ctx, runID, result.Success, result.Score, string(deviations), time.Now().UnixMilli())
}
