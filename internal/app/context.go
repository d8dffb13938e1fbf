package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"herdline/internal/config"
	"herdline/internal/db"
	"herdline/internal/engine"
	"herdline/internal/migrate"
	"herdline/internal/photos"
)

// Workspace bundles the handles every command and the server need.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *zap.Logger
}

// Open loads herdline.yml (defaults when absent), opens and migrates the
// database and wires the photo store into an Engine.
func Open(ctx context.Context, dir string, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := photos.NewStore(ctx, cfg.Photos, dir)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("photo store: %w", err)
	}
	e := engine.New(conn, cfg, store)
	e.Logger = logger
	logger.Debug("workspace opened", zap.String("dir", dir), zap.String("db", db.Path(dir)), zap.String("photos", cfg.Photos.Backend))
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: e, Logger: logger}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
