package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"zajel-go/internal/config"
	"zajel-go/internal/zajel"
)

// NewStoreFromConfig creates a ChannelStore implementation based on the store config type.
func NewStoreFromConfig(ctx context.Context, cfg config.StoreConfig) (zajel.ChannelStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		s, err := NewSQLiteStore(filepath.Join(cfg.DataDir, "zajel.db"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "bolt":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for bolt store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		s, err := NewBoltStore(filepath.Join(cfg.DataDir, "zajel.bolt"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for postgres store")
		}
		s, err := NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
