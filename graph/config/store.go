package config

import (
	"fmt"

	"github.com/flowmesh/orchestrator/graph/store"
)

// NewStore constructs the Execution Store backend named by the Store
// section: "memory" (the default, for tests and single-process
// development), "sqlite" (DSN is a filesystem path), or "mysql" (DSN is
// a go-sql-driver/mysql data source name). Any other driver name is an
// error.
func (c *EngineConfig) NewStore() (store.Store, error) {
	switch c.Store.Driver {
	case "", "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(c.Store.DSN)
	case "mysql":
		return store.NewMySQLStore(c.Store.DSN)
	default:
		return nil, fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
}
