package storage

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config picks and locates the backend.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver      string
	SQLitePath  string
	DatabaseURL string
}

// Store bundles the backend and the typed repositories over it.
type Store struct {
	Backend    Backend
	Devices    *DeviceRepo
	Health     *HealthRepo
	Recoveries *RecoveryRepo
	Workloads  *WorkloadRepo
}

// Open connects the configured backend and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch Dialect(strings.ToLower(strings.TrimSpace(cfg.Driver))) {
	case "", DialectSQLite:
		backend, err = OpenSQLite(cfg.SQLitePath)
	case DialectPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("storage: postgres driver needs DATABASE_URL")
		}
		backend, err = OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, errors.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, backend); err != nil {
		backend.Close()
		return nil, err
	}
	log.Info().Str("driver", string(backend.Dialect())).Msg("storage ready")
	return New(backend), nil
}

// New builds the repositories over an already migrated backend.
func New(backend Backend) *Store {
	return &Store{
		Backend:    backend,
		Devices:    NewDeviceRepo(backend),
		Health:     NewHealthRepo(backend),
		Recoveries: NewRecoveryRepo(backend),
		Workloads:  NewWorkloadRepo(backend),
	}
}

func (s *Store) Close() error {
	if s == nil || s.Backend == nil {
		return nil
	}
	return s.Backend.Close()
}
