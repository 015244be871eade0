// Package infra selects the concrete adapters behind the ports.
package infra

import (
	"context"
	"fmt"
	"taskrelay/internal/config"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/infra/sqlstore"
	"taskrelay/internal/ports"

	"github.com/rs/zerolog/log"
)

// OpenStore returns the TaskStore named by cfg.Driver. The close func
// releases whatever the store opened on its own; the redis client is owned
// by the caller.
func OpenStore(ctx context.Context, cfg config.Store, cli *redisq.Client) (ports.TaskStore, func() error, error) {
	switch cfg.Driver {
	case "", "redis":
		log.Info().Msg("task records stored in redis")
		return redisq.NewRecordStore(cli), func() error { return nil }, nil
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
		s, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("driver", cfg.Driver).Msg("task records stored in sql database")
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
