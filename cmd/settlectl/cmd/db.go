package cmd

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/config"
)

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if cfg.DB.URL == "" {
		return nil, errNoDatabase
	}
	db, err := sql.Open("pgx", cfg.DB.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
