package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/smallbiznis/invoicebalance/internal/config"
	obslogger "github.com/smallbiznis/invoicebalance/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
	gormprometheus "gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(New),
)

// New opens the primary database, registers company shards and installs tracing and pool metrics.
func New(lc fx.Lifecycle, appCfg config.Config, log *zap.Logger, gormCfg obslogger.GormLoggerConfig) (*gorm.DB, error) {
	cfg := ConfigFrom(appCfg)
	log = log.Named("db")

	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         obslogger.NewGormLogger(log, gormCfg),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := registerShards(conn, cfg); err != nil {
		return nil, err
	}

	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(cfg.Name))); err != nil {
		return nil, fmt.Errorf("install otelgorm: %w", err)
	}
	if err := conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          cfg.Name,
		RefreshInterval: 15,
		StartServer:     false,
	})); err != nil {
		return nil, fmt.Errorf("install gorm prometheus: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	}
	if cfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Second)
	}

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("closing database")
				return sqlDB.Close()
			},
		})
	}

	log.Info("database connected",
		zap.String("type", cfg.Type),
		zap.Int("shards", len(cfg.Shards)),
	)
	return conn, nil
}

func registerShards(conn *gorm.DB, cfg Config) error {
	if len(cfg.Shards) == 0 {
		return nil
	}

	names := make([]string, 0, len(cfg.Shards))
	for name := range cfg.Shards {
		names = append(names, name)
	}
	sort.Strings(names)

	var resolver *dbresolver.DBResolver
	for _, name := range names {
		dialector, err := ShardDialect(cfg.Type, cfg.Shards[name])
		if err != nil {
			return err
		}
		shardCfg := dbresolver.Config{Sources: []gorm.Dialector{dialector}}
		if resolver == nil {
			resolver = dbresolver.Register(shardCfg, name)
		} else {
			resolver = resolver.Register(shardCfg, name)
		}
	}
	if err := conn.Use(resolver); err != nil {
		return fmt.Errorf("register shards: %w", err)
	}
	return nil
}
