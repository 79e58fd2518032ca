package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies schema migrations from dir (e.g. file://migrations).
func Migrate(dir, dsn, direction string, steps int) error {
	if dir == "" {
		dir = "file://migrations"
	}
	m, err := migrate.New(dir, dsn)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()

	run := func(err error) error {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return err
	}
	switch direction {
	case "up":
		if steps > 0 {
			return run(m.Steps(steps))
		}
		return run(m.Up())
	case "down":
		if steps > 0 {
			return run(m.Steps(-steps))
		}
		return run(m.Down())
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
}
