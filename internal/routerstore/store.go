// Package routerstore persists bandit router state between runs.
package routerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/normanking/miniphi/internal/bandit"
)

// ErrStateNotFound is returned by Load when nothing has been saved yet.
var ErrStateNotFound = errors.New("router state not found")

// Store loads and saves router state.
type Store interface {
	Load(ctx context.Context) (*bandit.State, error)
	Save(ctx context.Context, state bandit.State) error
	Close() error
}

// Backend names accepted by Open.
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
	KindRedis  = "redis"
	KindNone   = "none"
)

// Options selects and configures a backend.
type Options struct {
	Kind       string
	Path       string // file backend
	SQLitePath string
	RedisAddr  string
	RedisKey   string
}

// Open returns the configured backend. KindNone returns (nil, nil).
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case KindFile, "":
		return NewFileStore(opts.Path), nil
	case KindSQLite:
		return NewSQLiteStore(opts.SQLitePath, "default")
	case KindRedis:
		return NewRedisStore(ctx, RedisConfig{Addr: opts.RedisAddr, Key: opts.RedisKey})
	case KindNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown router store %q", opts.Kind)
	}
}
