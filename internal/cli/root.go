// Package cli defines the identityd command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"identityrecon/internal/config"
	"identityrecon/internal/database"
	"identityrecon/internal/lock"
	"identityrecon/internal/logger"
	"identityrecon/internal/metrics"
	"identityrecon/internal/service"
	"identityrecon/internal/store"
)

const serviceName = "identityd"

// Execute runs the root command.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree with its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Resolve fragmented contact records into one identity",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default ./identity.yaml)")
	flags.String("database-url", "", "database connection string or sqlite path")
	flags.String("database-driver", "", "sqlite3, postgres or memory (inferred from the URL when empty)")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "json or console")
	for _, name := range []string{"config", "database-url", "database-driver", "log-level", "log-format"} {
		_ = v.BindPFlag(flagKey(name), flags.Lookup(name))
	}

	root.AddCommand(newServeCommand(v), newMigrateCommand(v), newIdentifyCommand(v))
	return root
}

func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// app holds the collaborators shared by the subcommands.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	service  *service.ReconciliationService
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

func loadConfig(v *viper.Viper) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, log, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}

	st, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	locker, err := a.openLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.service = service.NewReconciliationService(st,
		service.WithLocker(locker),
		service.WithMetrics(metrics.New(a.registry)),
		service.WithLogger(log))
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if a.cfg.DatabaseDriver == database.DriverMemory {
		a.log.Warn("using in-memory store; contacts are lost on exit")
		return store.NewMemory(nil), nil
	}
	db, err := database.Open(ctx, a.cfg.DatabaseDriver, a.cfg.DatabaseURL, a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return store.NewSQL(db, store.WithLogger(a.log)), nil
}

func (a *app) openLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.RedisURL == "" {
		return lock.NewLocal(), nil
	}
	client, err := lock.NewRedisClient(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.log.Info("using redis identifier locks")
	return lock.NewRedis(client,
		lock.WithTTL(a.cfg.LockTTL),
		lock.WithWait(a.cfg.LockWait),
		lock.WithLogger(a.log)), nil
}
