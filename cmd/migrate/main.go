package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/database"
	"github.com/frostdev-ops/pma-hub/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-config path] <up|down|version>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.New()

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
		log.WithError(err).Fatal("Failed to load configuration")
	}

	db, err := database.Initialize(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	switch command := flag.Arg(0); command {
	case "up":
		if err := database.Migrate(db); err != nil {
			log.WithError(err).Fatal("An error occurred while migrating up")
		}
		log.Info("Migrations applied successfully")
	case "down":
		if err := database.MigrateDown(db); err != nil {
			log.WithError(err).Fatal("An error occurred while migrating down")
		}
		log.Info("Migrations rolled back successfully")
	case "version":
		version, dirty, err := database.MigrationVersion(db)
		if err != nil {
			log.WithError(err).Fatal("Failed to read migration version")
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
	default:
		log.Fatalf("Unknown command: %s. Use up, down or version.", command)
	}
}
