package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gitvault/server/internal/config"
	"github.com/gitvault/server/internal/refs"
	"github.com/gitvault/server/internal/store/blobstore"
	"github.com/gitvault/server/internal/store/index"
	"github.com/gitvault/server/internal/store/sqlkv"
	"github.com/gitvault/server/pkg/repo"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(path)
}

// newLogger builds a terse development logger, matching a CLI's
// console-facing diagnostics rather than a daemon's JSON log stream.
func newLogger() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

func openDB(dsn string) (*sql.DB, error) {
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
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

// openLocalRepo wires a *repo.Repo against the local --db handle and the
// configured blob client, without a metrics registry — a one-shot CLI
// process has no /metrics endpoint to serve it from.
func openLocalRepo(cmd *cobra.Command) (*repo.Repo, *sql.DB, error) {
	dsn, err := cmd.Flags().GetString("db")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
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
	return r, db, nil
}

// remotesFile is where this client persists name->URL remote mappings,
// the same per-repository config concept as the teacher's
// cmd/vcs/remote.go (there, a hand-parsed "[remote \"name\"]" INI
// section next to the object store); here expressed as a small YAML
// document loaded through viper, matching every other config surface
// in this codebase instead of a bespoke parser.
func remotesFile(dsn string) string {
	return filepath.Join(filepath.Dir(dsn), "remotes.yaml")
}

func loadRemotes(dsn string) (map[string]string, error) {
	path := remotesFile(dsn)
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read remotes: %w", err)
	}
	remotes := map[string]string{}
	if err := v.Unmarshal(&remotes); err != nil {
		return nil, fmt.Errorf("parse remotes: %w", err)
	}
	return remotes, nil
}

func saveRemotes(dsn string, remotes map[string]string) error {
	path := remotesFile(dsn)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	v := viper.New()
	for name, url := range remotes {
		v.Set(name, url)
	}
	return v.WriteConfigAs(path)
}
