package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"snapkeep/internal/config"
	"snapkeep/internal/websocket"
)

// shutdownTimeout bounds the graceful websocket shutdown.
const shutdownTimeout = 5 * time.Second

type flags struct {
	workspace string
	config    string
	addr      string
	logLevel  string
	logFormat string
	noAuto    bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("snapkeep", pflag.ContinueOnError)
	fs.StringVarP(&f.workspace, "workspace", "w", ".", "workspace directory to checkpoint")
	fs.StringVarP(&f.config, "config", "c", "", "config file (default <workspace>/"+config.DefaultFileName+")")
	fs.StringVar(&f.addr, "addr", "", "websocket listen address")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: console, json")
	fs.BoolVar(&f.noAuto, "no-auto", false, "disable automatic checkpoints")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// apply overrides file settings with explicitly set flags.
func (f *flags) apply(cfg *config.Config) error {
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.noAuto {
		cfg.Checkpoint.AutoCheckpoint.Enabled = false
	}
	return cfg.Validate()
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "snapkeep: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(f.workspace, f.config)
	if err != nil {
		return err
	}
	if err := f.apply(cfg); err != nil {
		return err
	}

	logger := newLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := NewApp(cfg, logger)
	if err := app.startup(ctx); err != nil {
		app.shutdown(ctx)
		return err
	}

	wsServer := websocket.NewServer(app,
		websocket.WithAddr(cfg.Server.Addr),
		websocket.WithHandler("/metrics", app.metrics.Handler()),
		websocket.WithLogger(logger.With().Str("component", "websocket").Logger()),
	)
	app.setBroadcaster(wsServer)

	addr, err := wsServer.Start(ctx)
	if err != nil {
		app.shutdown(ctx)
		return err
	}

	// Parent processes read the bound address from stdout.
	fmt.Printf("SNAPKEEP_WS_READY:addr=%s\n", addr)

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := wsServer.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("websocket shutdown failed")
	}
	app.shutdown(stopCtx)
	return nil
}
