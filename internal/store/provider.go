package store

import (
	"context"

	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/database"
)

// Provide connects to Postgres, runs the store's migrations, and returns
// a ready-to-use Store backed by it.
func Provide(ctx context.Context, cfg config.StoreConfig) (Store, func() error, error) {
	db, err := database.NewDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, s.Close, nil
}
