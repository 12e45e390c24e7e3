package app

import (
	"context"

	"chronod/internal/config"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

// Migrate creates the configured datastore's schema and returns. Drivers
// without a schema (memory, file) are a no-op.
func Migrate(ctx context.Context, cfgPath string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if err := validate(cfg); err != nil {
		return err
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "migrate"))
	sc, _ := mapStorageConfig(cfg)
	st, err := storage.Open(sc, log)
	if err != nil {
		return err
	}
	defer st.Close()

	m, ok := st.(storage.Migrator)
	if !ok {
		log.Info("driver has no schema to migrate", logx.String("driver", sc.Driver))
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return err
	}
	log.Info("schema up to date", logx.String("driver", sc.Driver))
	return nil
}
