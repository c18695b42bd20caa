//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"vdht/internal/config"
	"vdht/internal/host"
	"vdht/internal/telemetry"
)

func main() {
	var (
		confFile  string
		logStdout bool
		daemon    bool
		version   bool
	)
	flag.StringVar(&confFile, "f", config.DefaultFile, "configuration file")
	flag.StringVar(&confFile, "conf-file", config.DefaultFile, "configuration file")
	flag.BoolVar(&logStdout, "S", false, "log to stdout")
	flag.BoolVar(&logStdout, "log-stdout", false, "log to stdout")
	flag.BoolVar(&daemon, "d", false, "run as a daemon (unsupported, use a service manager)")
	flag.BoolVar(&daemon, "daemon", false, "run as a daemon (unsupported, use a service manager)")
	flag.BoolVar(&version, "v", false, "print version and exit")
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.Parse()

	if version {
		fmt.Println("vdhtd", host.Version)
		return
	}
	if daemon {
		log.Fatalf("daemon mode is not supported; run vdhtd under a service manager")
	}

	cfg, err := loadConfig(confFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := telemetry.NewLogger(telemetry.LogConfig{
		Level:  cfg.LogLevel(),
		Stdout: logStdout,
		File:   cfg.LogFile(),
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := host.New(cfg, logger)
	if err != nil {
		logger.Fatal("create host", zap.Error(err))
	}
	if err := h.Run(ctx); err != nil {
		logger.Error("host stopped", zap.Error(err))
		os.Exit(1)
	}
}

// loadConfig reads path. A missing default file means defaults; a missing
// file the user named is an error.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultFile {
		return config.Default(), nil
	}
	return cfg, err
}
