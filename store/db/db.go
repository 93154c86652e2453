// Package db selects and constructs the concrete store.Driver named by a
// profile.
package db

import (
	"fmt"

	"github.com/wsiflow/scheduler/internal/profile"
	"github.com/wsiflow/scheduler/store"
	"github.com/wsiflow/scheduler/store/db/postgres"
	"github.com/wsiflow/scheduler/store/db/sqlite"
)

// NewDriver constructs the store.Driver named by profile.Driver.
func NewDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "postgres":
		return postgres.NewDB(profile)
	case "sqlite":
		return sqlite.NewDB(profile)
	default:
		return nil, fmt.Errorf("unsupported driver: %q", profile.Driver)
	}
}
