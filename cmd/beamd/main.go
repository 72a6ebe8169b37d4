// Beamd is a multi-model generation orchestration daemon.
//
// It scatters one conversation across N independent model completions,
// lets the caller curate the results, then gathers them into a single
// synthesized answer via fusion pipelines or a peer-ranking council. All
// operations are exposed over an HTTP control surface.
//
// Configuration is read from ~/.config/beamd/config.yaml (override with
// -config) plus environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	beamd
//
//	# Custom config file and port
//	beamd -config ./beamd.yaml
//	SERVER_PORT=9090 beamd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/beamd/internal/config"
	"github.com/fyrsmithlabs/beamd/internal/logging"
	"github.com/fyrsmithlabs/beamd/internal/prefs"
	"github.com/fyrsmithlabs/beamd/internal/server"
	"github.com/fyrsmithlabs/beamd/internal/session"
	"github.com/fyrsmithlabs/beamd/pkg/genai"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  beamd           Start the beamd daemon\n")
			fmt.Fprintf(os.Stderr, "  beamd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("beamd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon together and blocks until ctx is cancelled:
// configuration, logger, generation client, preference store, session,
// and finally the HTTP server. Returns http.ErrServerClosed on graceful
// shutdown.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting beamd",
		zap.Int("port", cfg.Server.Port),
		zap.String("base_url", cfg.Generation.BaseURL),
		zap.Strings("models", cfg.Generation.Models))

	client, err := genai.NewLangchainClient(genai.Config{
		BaseURL: cfg.Generation.BaseURL,
		APIKey:  cfg.Generation.APIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create generation client: %w", err)
	}

	store, err := prefs.NewStore(cfg.Prefs.Path)
	if err != nil {
		// Preferences are advisory; run without persistence.
		logger.Warn("preference store unavailable", zap.Error(err))
		store = nil
	}

	sess := session.New(client, session.Options{
		Models:        cfg.Generation.Models,
		RayCount:      cfg.Scatter.RayCount,
		ChairmanModel: cfg.Generation.ChairmanModel,
	}, store, logger)

	srv := server.New(cfg, sess, store, logger)
	return srv.Start(ctx)
}
