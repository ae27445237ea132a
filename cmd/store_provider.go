package cmd

import (
	"context"

	"github.com/xkilldash9x/pacer/internal/config"
	"github.com/xkilldash9x/pacer/internal/observability"
	"github.com/xkilldash9x/pacer/internal/service"
	"github.com/xkilldash9x/pacer/internal/store"
)

// StoreProvider opens the state repository for commands that only read or patch
// persisted state. Tests inject an in-memory repository through it.
type StoreProvider interface {
	// Create returns the repository and a cleanup function that releases it.
	Create(ctx context.Context, cfg config.Interface) (store.Repository, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the provider that opens PostgreSQL when database.url is set
// and the local SQLite file otherwise.
func NewStoreProvider() StoreProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (store.Repository, func(), error) {
	return service.OpenStore(ctx, cfg.Database(), observability.GetLogger())
}
