package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"expertdesk/internal/config"
	"expertdesk/internal/db"
	"expertdesk/internal/engine"
	"expertdesk/internal/events"
	"expertdesk/internal/migrate"
	"expertdesk/internal/notify"
)

// Runtime bundles what a command or the server needs to operate on a
// workspace. Close releases the database and flushes the logger.
type Runtime struct {
	Workspace string
	Config    *config.Config
	Conn      *sql.DB
	Dialect   db.Dialect
	Log       *zap.Logger
	Engine    engine.Engine
}

func (r *Runtime) Close() error {
	if r.Log != nil {
		_ = r.Log.Sync()
	}
	if r.Conn != nil {
		return r.Conn.Close()
	}
	return nil
}

// Open loads the workspace config (defaults when expertdesk.yml is absent),
// opens and migrates the configured database and builds the engine.
func Open(workspace string) (*Runtime, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(workspace, cfg)
}

func OpenWithConfig(workspace string, cfg *config.Config) (*Runtime, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	dbCfg := db.Config{
		Driver:    db.Dialect(cfg.Database.Driver),
		DSN:       cfg.Database.DSN,
		Workspace: workspace,
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	dialect := dbCfg.Dialect()
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Runtime{
		Workspace: workspace,
		Config:    cfg,
		Conn:      conn,
		Dialect:   dialect,
		Log:       logger,
		Engine:    engine.New(conn, dialect, cfg, logger.Named("engine")),
	}, nil
}

// NewLogger builds a zap logger from the log section. JSON output uses the
// production encoder; console output the development one.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var zc zap.Config
	if strings.EqualFold(cfg.Log.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// StartRelay publishes committed events to the configured broker until ctx
// ends or the returned stop func is called. Without a broker URL events go
// to the fallback publisher, which only logs them.
func (r *Runtime) StartRelay(ctx context.Context) (func(), error) {
	logger := r.Log.Named("relay")
	pub, err := notify.Open(ctx, r.Config.Broker.URL, r.Config.Broker.Exchange, logger)
	if err != nil {
		return nil, err
	}
	relay := &events.Relay{
		Name:      "broker",
		Source:    r.Engine.Repo,
		Publisher: pub,
		Interval:  r.Config.BrokerPollInterval(),
		Producer:  "expertdesk",
		Log:       logger,
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = relay.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
		if err := pub.Close(); err != nil {
			logger.Warn("close publisher", zap.Error(err))
		}
	}, nil
}
