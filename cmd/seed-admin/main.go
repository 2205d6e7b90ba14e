package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/Benites031407/UpCarSistema-sub002/internal/auth"
	"github.com/Benites031407/UpCarSistema-sub002/internal/config"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

// Creates the first admin account so a fresh deployment can log in. Reads
// ADMIN_EMAIL and ADMIN_PASSWORD from the environment; safe to rerun, an
// existing account is left alone unless -reset-password is set.
func main() {
	var (
		cfgPath   = flag.String("config", "config/default.yaml", "path to the YAML config file")
		resetPass = flag.Bool("reset-password", false, "overwrite the password when the account exists")
	)
	flag.Parse()

	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("seed-admin: ADMIN_EMAIL and ADMIN_PASSWORD are required")
	}
	name := os.Getenv("ADMIN_NAME")
	if name == "" {
		name = "Administrator"
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("seed-admin: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatalf("seed-admin: open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("seed-admin: database unreachable: %v", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		log.Fatalf("seed-admin: hash password: %v", err)
	}

	model := data.UserModel{DB: db}
	existing, err := model.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if !*resetPass {
			log.Printf("seed-admin: %s already exists (id %s), nothing to do", email, existing.ID)
			return
		}
		if err := model.UpdatePassword(ctx, existing.ID, hash); err != nil {
			log.Fatalf("seed-admin: update password: %v", err)
		}
		log.Printf("seed-admin: password reset for %s", email)
	case errors.Is(err, data.ErrUserNotFound):
		u := &data.User{
			Email:        email,
			DisplayName:  name,
			Phone:        os.Getenv("ADMIN_PHONE"),
			Role:         data.RoleAdmin,
			PasswordHash: hash,
		}
		if err := model.Create(ctx, u); err != nil {
			log.Fatalf("seed-admin: create: %v", err)
		}
		log.Printf("seed-admin: created admin %s (id %s)", email, u.ID)
	default:
		log.Fatalf("seed-admin: lookup: %v", err)
	}
}
