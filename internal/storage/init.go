package storage

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/pressly/goose/v3"

	"geovisio/migrations"
)

func runMigrations(db *sql.DB) error {
	const op = "storage.migrations"

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}

	if err := goose.Up(db, "."); err != nil {
		if err == goose.ErrNoNextVersion {
			log.Println("No migrations to apply.")
			return nil
		}
		return fmt.Errorf("%s: %v", op, err)
	}
	log.Println("Database migrations applied successfully.")
	return nil
}
