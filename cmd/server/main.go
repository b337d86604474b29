package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/adapters/discovery"
	"github.com/frostdev-ops/pma-hub/internal/api/middleware"
	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/pkg/logger"
	"github.com/frostdev-ops/pma-hub/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	issueToken := flag.String("issue-token", "", "print an API token for the given subject and exit")
	discover := flag.Duration("discover", 0, "browse the network for other hubs for this long and exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetFullVersion())
		return
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	log := logger.NewWithOptions(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: logOutput(cfg.Logging.Output),
	})

	switch {
	case *issueToken != "":
		ttl := time.Duration(cfg.Auth.TokenExpiry) * time.Second
		token, err := middleware.IssueToken(cfg.Auth.JWTSecret, *issueToken, ttl)
		if err != nil {
			log.WithError(err).Fatal("Failed to issue token")
		}
		fmt.Println(token)
		return

	case *discover > 0:
		peers, err := discovery.Browse(context.Background(), cfg.Discovery, *discover, log.Logger)
		if err != nil {
			log.WithError(err).Fatal("Discovery failed")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(peers)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithField("version", version.GetFullVersion()).Info("Starting PMA hub")
	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("PMA hub stopped with error")
	}
	log.Info("Server exited")
}

func logOutput(output string) *os.File {
	if output == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}
