package main

import (
	"database/sql"
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/Benites031407/UpCarSistema-sub002/internal/config"
)

// Applies the schema in migrations/. Connection settings come from the same
// config file and env overrides the server uses, so the migrator always
// targets the database the server will run against.
func main() {
	var (
		cfgPath = flag.String("config", "config/default.yaml", "path to the YAML config file")
		dir     = flag.String("dir", "migrations", "migrations directory")
		up      = flag.Bool("up", false, "apply all pending migrations")
		down    = flag.Bool("down", false, "roll back all migrations")
		steps   = flag.Int("steps", 0, "apply +/- n migrations")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("migrator: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatalf("migrator: open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("migrator: database unreachable: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("migrator: driver: %v", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+*dir, "postgres", driver)
	if err != nil {
		log.Fatalf("migrator: init: %v", err)
	}

	start := time.Now()
	switch {
	case *up:
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migrator: up: %v", err)
		}
		log.Printf("migrator: up complete in %v", time.Since(start))
	case *down:
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migrator: down: %v", err)
		}
		log.Printf("migrator: down complete in %v", time.Since(start))
	case *steps != 0:
		if err := m.Steps(*steps); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migrator: steps: %v", err)
		}
		log.Printf("migrator: %d steps complete in %v", *steps, time.Since(start))
	default:
		version, dirty, err := m.Version()
		if err != nil {
			log.Printf("migrator: no version recorded (empty database?)")
			return
		}
		log.Printf("migrator: current version %d, dirty=%v", version, dirty)
	}
}
