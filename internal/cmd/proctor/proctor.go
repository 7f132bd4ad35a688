// Package proctor parses proctoring command flags and composes the server
// with its storage and identity collaborators.
package proctor

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	entrypoint "github.com/louisbranch/proctorvision/internal/platform/cmd"
	"github.com/louisbranch/proctorvision/internal/platform/logging"
	server "github.com/louisbranch/proctorvision/internal/services/proctor/app"
	"github.com/louisbranch/proctorvision/internal/services/proctor/identity/grpcclient"
	"github.com/louisbranch/proctorvision/internal/services/proctor/storage/sqlite"
	"go.uber.org/zap"
)

// Config holds proctor command configuration.
type Config struct {
	HTTPAddr         string        `env:"HTTP_ADDR"         envDefault:":8090"`
	DBPath           string        `env:"DB_PATH"           envDefault:"data/proctor.db"`
	IdentityAddr     string        `env:"IDENTITY_ADDR"     envDefault:"localhost:50051"`
	TokenSecret      string        `env:"TOKEN_SECRET"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	MaxConnections   int           `env:"MAX_CONNECTIONS"   envDefault:"2048"`
	Locale           string        `env:"LOCALE"            envDefault:"en"`
	Debug            bool          `env:"DEBUG"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "proctor HTTP/WebSocket listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "proctor SQLite database path")
	fs.StringVar(&cfg.IdentityAddr, "identity-addr", cfg.IdentityAddr, "identity service gRPC address")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HS256 secret for API bearer tokens (empty disables)")
	fs.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "idle time before a heartbeat frame")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum concurrent connections")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "locale for participant-facing messages")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable development logging")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens storage, dials the identity service, and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(entrypoint.ServiceProctor, cfg.Debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceProctor, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open proctor storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("close proctor storage", zap.Error(err))
			}
		}()

		identity, err := grpcclient.Dial(ctx, cfg.IdentityAddr, logger)
		if err != nil {
			return fmt.Errorf("dial identity service: %w", err)
		}
		defer func() {
			if err := identity.Close(); err != nil {
				logger.Warn("close identity client", zap.Error(err))
			}
		}()

		if err := server.Run(ctx, server.Config{
			HTTPAddr:         cfg.HTTPAddr,
			MaxConnections:   cfg.MaxConnections,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			TokenSecret:      cfg.TokenSecret,
			Locale:           cfg.Locale,
			Accounts:         store,
			Escalations:      store,
			Identity:         identity,
			Logger:           logger,
		}); err != nil {
			return fmt.Errorf("serve proctor: %w", err)
		}
		return nil
	})
}
