// Package main implements the starforge binary: the change event
// transformation service with its HTTP intake and stats API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/starforge/starforge/internal/app"
	"github.com/starforge/starforge/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		sinkType    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for the intake and stats API")
	flag.StringVar(&sinkType, "sink", "", "Outbound store type: sqlite, memory")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Starforge - Change Event Transformation For Star Schemas\n\n")
		fmt.Fprintf(os.Stderr, "Usage: starforge [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  starforge --data-dir /data/starforge\n")
		fmt.Fprintf(os.Stderr, "  starforge --sink memory --http-addr :9000\n")
		fmt.Fprintf(os.Stderr, "  starforge --config /etc/starforge/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  STARFORGE_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  STARFORGE_HTTP_ADDR      HTTP address for the API\n")
		fmt.Fprintf(os.Stderr, "  STARFORGE_SINK_TYPE      Outbound store type (sqlite, memory)\n")
		fmt.Fprintf(os.Stderr, "  STARFORGE_STORAGE_TYPE   Archive storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("starforge version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, httpAddr, sinkType)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Block until SIGTERM/SIGINT, then shut down gracefully.
	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, httpAddr, sinkType string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if sinkType != "" {
		cfg.Sink.Type = sinkType
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                      STARFORGE                            ║")
	log.Printf("║     Change Event Transformation For Star Schemas          ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Data Dir:    %s", cfg.DataDir)
	log.Printf("  HTTP:        %s", cfg.HTTP.Addr)
	log.Printf("  Sink:        %s", cfg.Sink.Type)
	log.Printf("  Partitions:  %d", cfg.Pipeline.Partitions)
	log.Printf("  Dead Letter: %s (archive: %v)", cfg.DeadLetter.Dir, cfg.DeadLetter.Archive)
	log.Printf("")
}
