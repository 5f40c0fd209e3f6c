// Command profileserver runs one profile server node: it loads the
// configuration from the working directory (or --config), binds the role
// listeners, connects to the location server, and serves until SIGINT or
// SIGTERM. Exit code 0 on graceful shutdown, non-zero on fatal init
// failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shurlinet/profileserver/internal/config"
	"github.com/shurlinet/profileserver/internal/kernel"
)

const defaultConfigFile = "ProfileServer.conf"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigFile, "path to the key = value configuration file")
	logJSON := flag.Bool("log-json", os.Getenv("PROFILESERVER_LOG_FORMAT") == "json", "emit JSON logs instead of text")
	flag.Parse()

	var handler slog.Handler
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "profileserver: load config %s: %v\n", *configPath, err)
		return 1
	}

	k, err := kernel.New(cfg, kernel.Options{
		TLS: &kernel.TLSBundle{
			Path:     cfg.TLSServerCertificate,
			Password: os.Getenv("PROFILESERVER_PFX_PASSWORD"),
		},
		KeyPassphrase: os.Getenv("PROFILESERVER_KEY_PASSPHRASE"),
		KeyTOTPCode:   os.Getenv("PROFILESERVER_KEY_TOTP"),
		Log:           log,
	})
	if err != nil {
		log.Error("profileserver: init failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := k.Run(ctx); err != nil {
		log.Error("profileserver: run failed", "error", err)
		return 1
	}
	return 0
}
