// Package storage selects the result store backend from configuration.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/storage/memory"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/storage/redis"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/storage/sqlite"
)

// Backend types.
const (
	TypeMemory = "memory"
	TypeSQLite = "sqlite"
	TypeRedis  = "redis"
	TypeNone   = "none"
)

// Purger is implemented by backends that need an application-side sweep of
// expired records.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// New opens the configured result store.
func New(ctx context.Context, cfg config.StorageConfig) (ports.ResultStore, error) {
	switch strings.ToLower(cfg.Type) {
	case TypeMemory, "":
		return memory.New(), nil
	case TypeSQLite:
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." && !strings.HasPrefix(cfg.SQLite.Path, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return sqlite.New(cfg.SQLite.Path)
	case TypeRedis:
		return redis.New(ctx, cfg.Redis)
	case TypeNone:
		return Nop{}, nil
	default:
		return nil, domain.ErrConfig(fmt.Sprintf("unknown storage type %q", cfg.Type))
	}
}

// Nop discards every record.
type Nop struct{}

var _ ports.ResultStore = Nop{}

func (Nop) Save(context.Context, *domain.AggregatedRecord) error { return nil }

func (Nop) Load(context.Context, string) (*domain.AggregatedRecord, error) {
	return nil, domain.ErrNotFound
}

func (Nop) Close() error { return nil }
