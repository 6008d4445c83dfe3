package database

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-chat/internal/config"
	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat/internal/utils"
)

// Open connects the backend selected by cfg.Database.Driver.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Database.Driver {
	case config.DriverMongo:
		var ms *MongoStore
		if ms, err = OpenMongo(ctx, cfg.Database, cfg.AppName); err == nil {
			store = ms
		}
	case config.DriverSQLite:
		var ss *SQLiteStore
		if ss, err = OpenSQLite(cfg.Database.Path, utils.MustParseStringTime(cfg.Database.OperationTimeout)); err == nil {
			store = ss
		}
	case config.DriverMemory:
		store = NewMemoryStore()
	default:
		err = fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, err
	}
	logger.InfoF("Database ready, driver=%s", cfg.Database.Driver)
	return store, nil
}

// CloseCallback adapts Store.Close to the shutdown cleaner.
type CloseCallback struct {
	store Store
}

func NewCloseCallback(store Store) *CloseCallback {
	return &CloseCallback{store: store}
}

func (dc *CloseCallback) Invoke(ctx context.Context) error {
	return dc.store.Close(ctx)
}
