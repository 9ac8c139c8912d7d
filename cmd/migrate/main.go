package main

import (
	"context"
	"io/fs"
	"log"
	"os"
	"time"

	"banklink/internal/app"
	"banklink/internal/config"
	"banklink/internal/db"
	"banklink/migrations"

	"github.com/spf13/pflag"
)

func main() {
	dir := pflag.String("dir", "", "read migrations from this directory instead of the embedded set")
	timeout := pflag.Duration("timeout", 5*time.Minute, "abort after this long")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := app.NewLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	database, err := db.Connect(ctx, cfg.DatabaseURL, db.DefaultPool())
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer database.Close()

	var source fs.FS = migrations.FS
	if *dir != "" {
		source = os.DirFS(*dir)
	}
	applied, err := db.Migrate(ctx, database, source, logger)
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	logger.Info("migrations complete", "applied", len(applied))
}
