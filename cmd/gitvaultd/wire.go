package main

import (
	"database/sql"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gitvault/server/internal/config"
	"github.com/gitvault/server/internal/metrics"
	"github.com/gitvault/server/internal/refs"
	"github.com/gitvault/server/internal/store/blobstore"
	"github.com/gitvault/server/internal/store/index"
	"github.com/gitvault/server/internal/store/sqlkv"
	"github.com/gitvault/server/pkg/repo"
)

// loadConfig resolves the --config flag (if any process-wide, via the
// root command's persistent flag) against config.Load, which layers
// env vars and an optional file over the built-in defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(path)
}

// newLogger builds the daemon's zap logger: structured JSON in
// production, matching how the teacher's services configure zap when
// they run as long-lived daemons rather than one-shot CLIs.
func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// openDB opens (and migrates) the hot-tier SQLite database backing the
// object-location index, the ref store, and the small-object hot tier.
func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := sqlkv.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate hot tier: %w", err)
	}
	if err := index.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate object index: %w", err)
	}
	if err := refs.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate refs: %w", err)
	}
	return db, nil
}

// newBlobClient builds the warm/cold tier's object-storage client
// against cfg.Storage, the same minio.New(endpoint, options) call the
// pack's services use to reach an S3-compatible bucket, narrowed to
// blobstore.Client through MinioAdapter.
func newBlobClient(cfg config.Storage) (blobstore.Client, error) {
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return blobstore.MinioAdapter{Client: c}, nil
}

// openEngine wires a *repo.Repo from a resolved config: hot-tier
// database, blob client, and a metrics registry (always attached)
// fanned out to every collaborator that reports against one.
func openEngine(cfg config.Config, dsn string, log *zap.Logger) (*repo.Repo, *sql.DB, error) {
	db, err := openDB(dsn)
	if err != nil {
		return nil, nil, err
	}
	blobClient, err := newBlobClient(cfg.Storage)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("build blob client: %w", err)
	}
	r, err := repo.Open(db, blobClient, cfg, log)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	r.WithMetrics(metrics.New())
	return r, db, nil
}
