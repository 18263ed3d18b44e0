// migrate applies the embedded audit schema migrations to DATABASE_URL and,
// when set, DATABASE_URL_AUDIT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.New(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.Database.ConnectionString == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
		os.Exit(1)
	}

	targets := []string{cfg.Database.ConnectionString}
	if cfg.AuditDatabase != nil {
		targets = append(targets, cfg.AuditDatabase.ConnectionString)
	}

	for _, dsn := range targets {
		if err := migrate.Run(dsn, *direction); err != nil {
			fmt.Fprintln(os.Stderr, "migrate:", err)
			os.Exit(1)
		}
	}
}
