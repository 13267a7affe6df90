// Swarmd is the dual-track content-generation orchestration daemon.
//
// It exposes an HTTP API for submitting generation tasks, reading state
// snapshots, and streaming per-task progress events over SSE, backed by a
// relational state store and a NATS event stream.
//
// Usage:
//
//	# Start with defaults (SQLite store, external NATS)
//	swarmd
//
//	# Self-contained: embedded NATS server
//	NATS_EMBEDDED=true swarmd
//
//	# Configure via file and environment
//	swarmd --config /etc/swarmd/config.yaml
//	SERVER_PORT=9090 LLM_BASE_URL=http://localhost:8000/v1 swarmd
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/completion"
	"github.com/fyrsmithlabs/swarmd/internal/config"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/store"
	"github.com/fyrsmithlabs/swarmd/internal/swarm"
	"github.com/fyrsmithlabs/swarmd/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "swarmd",
	Short:   "Dual-track content-generation orchestration daemon",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all dependencies and blocks until the context is
// cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	// NATS: external connection or embedded single-binary server.
	natsURL := cfg.NATS.URL
	var embedded *natsserver.Server
	if cfg.NATS.Embedded {
		embedded, err = startEmbeddedNATS()
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		defer embedded.Shutdown()
		natsURL = embedded.ClientURL()
		logger.Info("embedded NATS server started", zap.String("url", natsURL))
	}

	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", natsURL, err)
	}
	defer nc.Close()
	logger.Info("connected to NATS", zap.String("url", natsURL))

	// State store.
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	// Completion provider.
	client, err := completion.NewOpenAIClient(completion.Config{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey.Value(),
		CallTimeout: cfg.LLM.CallTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("init completion client: %w", err)
	}
	logger.Info("completion client initialized",
		zap.String("base_url", cfg.LLM.BaseURL),
		zap.String("model", cfg.LLM.Model))

	// Engine.
	emitter := swarm.NewNATSEmitter(nc, logger.Named("events"))
	processor, err := swarm.NewProcessor(swarm.ProcessorConfig{
		Workers:         cfg.Swarm.Workers,
		MaxRetries:      cfg.Swarm.MaxRetries,
		RetryBackoff:    cfg.Swarm.RetryBackoff.Duration(),
		ConflictRetries: cfg.Swarm.ConflictRetries,
	}, st, client, emitter, logger.Named("processor"))
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}

	tasks, err := swarm.NewService(st, processor, emitter, logger.Named("tasks"))
	if err != nil {
		return fmt.Errorf("init task service: %w", err)
	}
	defer func() {
		_ = tasks.Close()
	}()

	srv := server.New(cfg.Server, tasks, nc, logger.Named("http"))
	logger.Info("server configured",
		zap.Int("port", cfg.Server.Port),
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	if err := srv.Start(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// startEmbeddedNATS runs an in-process NATS server on an ephemeral port.
func startEmbeddedNATS() (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded server did not become ready")
	}
	return ns, nil
}
