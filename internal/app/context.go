package app

import (
	"database/sql"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"spiralsafe/internal/config"
	"spiralsafe/internal/db"
	"spiralsafe/internal/engine"
	"spiralsafe/internal/migrate"
)

// Context carries the handles a CLI command needs to work a workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    *engine.Engine
	Log       *zap.Logger
}

// Open resolves the workspace, loads spiralsafe.yml (built-in defaults when
// the file is absent), opens the database and applies pending migrations.
func Open(workspace string, log *zap.Logger) (*Context, error) {
	ws, err := resolveWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(ws)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace: ws,
		Config:    cfg,
		DB:        conn,
		Engine:    engine.New(conn, cfg, log),
		Log:       log,
	}, nil
}

// Close releases the database handle.
func (c *Context) Close() error {
	return c.DB.Close()
}

func resolveWorkspace(workspace string) (string, error) {
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		workspace = wd
	}
	return filepath.Abs(workspace)
}
