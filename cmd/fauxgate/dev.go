package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fauxgate/fauxgate/internal/config"
	"github.com/fauxgate/fauxgate/internal/server"
)

func devCmd() *cobra.Command {
	var (
		port    int
		host    string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Start the local gateway emulator",
		Long: `Start the emulator with hot reload.

The emulator watches handler sources for changes and reloads them on
the next request. Routes, timeouts and environment variables come from
fauxgate.yaml in the current directory.

Examples:
  fauxgate dev
  fauxgate dev --port=8080
  fauxgate dev --host=0.0.0.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDev(port, host, verbose)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default from fauxgate.yaml)")
	cmd.Flags().StringVarP(&host, "host", "H", "", "Host to bind to (default from fauxgate.yaml)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func runDev(port int, host string, verbose bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}

	log := newLogger(verbose)

	srv, err := server.New(cfg, prometheus.DefaultRegisterer, log)
	if err != nil {
		errorMsg("Failed to start: %v", err)
		return err
	}

	printBanner()
	success("Serving %s (stage %s)", cfg.Service, cfg.Provider.Stage)
	info("http://%s", cfg.Address())
	info("WebSocket endpoint: ws://%s/ws", cfg.Address())
	info("Watching for changes, Ctrl+C to stop")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return srv.Run(ctx)
}

func loadConfig() (*config.Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		errorMsg("Could not load %s: %v", config.ConfigFileName, err)
		return nil, err
	}
	return cfg, nil
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
