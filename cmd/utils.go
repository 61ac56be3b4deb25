package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/httprunner/DeviceFarm/internal/config"
	"github.com/httprunner/DeviceFarm/internal/devicectl"
	"github.com/httprunner/DeviceFarm/internal/oob/box"
	"github.com/httprunner/DeviceFarm/internal/oob/recovery"
	"github.com/httprunner/DeviceFarm/internal/storage"
	"github.com/rs/zerolog/log"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openStore(ctx context.Context, cfg config.Config) (*storage.Store, error) {
	return storage.Open(ctx, cfg.Storage)
}

// boxFactory dials boxes with the configured timeouts.
func boxFactory(cfg box.Config) recovery.BoxFactory {
	return func(address string, port int) recovery.PowerCycler {
		c := cfg
		c.Host = address
		if port > 0 {
			c.Port = port
		}
		return box.New(c)
	}
}

// newController prefers the control-app websocket and falls back to adb.
// The returned close func is never nil.
func newController(cfg devicectl.WSConfig) (devicectl.Controller, func(), error) {
	if strings.TrimSpace(cfg.URL) != "" {
		client := devicectl.NewWSClient(cfg)
		log.Info().Str("url", cfg.URL).Msg("device control via control app")
		return client, func() { _ = client.Close() }, nil
	}
	adb, err := devicectl.NewDefaultADBController()
	if err != nil {
		return nil, func() {}, err
	}
	log.Info().Msg("device control via adb")
	return adb, func() {}, nil
}
