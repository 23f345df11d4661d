// Command migrator prepares a deployment: it applies the remote Postgres
// schema and seeds the local catalog. Set CATALOG_OVERWRITE=true to replace
// existing catalog records.
package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/catalog"
	"github.com/lalithlochan/compass/internal/config"
	"github.com/lalithlochan/compass/internal/observ"
	"github.com/lalithlochan/compass/internal/remote"
	"github.com/lalithlochan/compass/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("create logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("migrator")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if cfg.PostgresEnabled() {
		if err := migrateRemote(ctx, cfg, logger); err != nil {
			logger.Fatal("remote migration failed", zap.Error(err))
		}
	} else {
		logger.Info("DB_HOST not set, skipping remote schema")
	}

	overwrite, _ := strconv.ParseBool(os.Getenv("CATALOG_OVERWRITE"))
	if err := seedLocal(ctx, cfg, overwrite, logger); err != nil {
		logger.Fatal("catalog seeding failed", zap.Error(err))
	}
}

func migrateRemote(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pool, err := remote.Connect(ctx, remote.PostgresConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	start := time.Now()
	applied, err := remote.NewPostgresSink(pool, logger).EnsureSchema(ctx)
	if err != nil {
		return err
	}
	logger.Info("migrations complete",
		zap.Int("applied", applied),
		zap.Duration("took", time.Since(start).Round(time.Millisecond)),
	)
	return nil
}

func seedLocal(ctx context.Context, cfg *config.Config, overwrite bool, logger *zap.Logger) error {
	st := store.New(cfg.DataDir, store.DefaultSchema(), logger)
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}

	fsys := catalog.Defaults()
	if cfg.CatalogSeedDir != "" {
		fsys = os.DirFS(cfg.CatalogSeedDir)
	}

	seeder := catalog.NewSeeder(st, logger)
	seeder.Overwrite = overwrite
	report, err := seeder.Seed(ctx, fsys)
	if err != nil {
		return err
	}
	for col, n := range report.Inserted {
		logger.Info("catalog inserted", zap.String("collection", col), zap.Int("records", n))
	}
	for col, n := range report.Updated {
		logger.Info("catalog updated", zap.String("collection", col), zap.Int("records", n))
	}
	for col, n := range report.Skipped {
		logger.Info("catalog kept existing", zap.String("collection", col), zap.Int("records", n))
	}
	return nil
}
