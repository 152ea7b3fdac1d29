package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"example.com/rootserve/internal/config"
	"example.com/rootserve/internal/fileserver"
	"example.com/rootserve/internal/logger"
	"example.com/rootserve/internal/server"
)

// loadConfiguration parses command-line arguments and returns the effective
// configuration. Without -config the built-in defaults are used.
func loadConfiguration(args []string, output io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(output)
	configFilePath := fs.String("config", "", "Path to the configuration file (JSON, TOML or YAML)")
	port := fs.Int("port", 0, "Port to listen on; overrides the configured address's port")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	var cfg *config.Config
	var err error
	if *configFilePath != "" {
		absConfigPath, absErr := filepath.Abs(*configFilePath)
		if absErr != nil {
			return nil, fmt.Errorf("error getting absolute path for config file %s: %w", *configFilePath, absErr)
		}
		cfg, err = config.LoadConfig(absConfigPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if *port != 0 {
		cfg.Server.Port = *port
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfiguration(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := appLogger.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()

	handler, err := fileserver.New(cfg.Files, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize file server", logger.LogFields{"error": err.Error()})
		appLogger.CloseLogFiles()
		os.Exit(1)
	}

	srv, err := server.NewServer(cfg, appLogger, handler)
	if err != nil {
		appLogger.Error("Failed to initialize server", logger.LogFields{"error": err.Error()})
		appLogger.CloseLogFiles()
		os.Exit(1)
	}

	appLogger.Info("Starting server", logger.LogFields{
		"address":       cfg.Server.ListenAddress(),
		"document_root": handler.Root(),
	})
	if err := srv.Run(context.Background()); err != nil {
		appLogger.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		appLogger.CloseLogFiles()
		os.Exit(1)
	}
	appLogger.Info("Server has shut down gracefully", nil)
}
