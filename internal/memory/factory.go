package memory

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// StoreConfig selects the history backend. The first non-empty option wins,
// in the order DatabaseURL, SQLitePath, Dir.
type StoreConfig struct {
	DatabaseURL string
	SQLitePath  string
	Dir         string
}

// NewStore returns the configured store and a short name describing it.
func NewStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (Store, string, error) {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		s, err := NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	case strings.TrimSpace(cfg.SQLitePath) != "":
		s, err := NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, "", err
		}
		return s, "sqlite", nil
	case strings.TrimSpace(cfg.Dir) != "":
		s, err := NewFileStore(cfg.Dir, logger)
		if err != nil {
			return nil, "", err
		}
		return s, "file", nil
	default:
		return NewInMemoryStore(), "in-memory", nil
	}
}
