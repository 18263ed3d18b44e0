// auditctl is the operator tool for the audit store.
//
//	auditctl verify [-tenant firm-1]      walk one tenant chain, or all of them
//	auditctl cleanup-ratelimit [-older-than 24h]
//
// verify exits 2 when any chain is broken.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/internal/observability"
	"github.com/upb/legal-audit/repositories/postgres"
	"github.com/upb/legal-audit/services/audit"
	"github.com/upb/legal-audit/services/ratelimit"
	"go.uber.org/zap"
)

const (
	exitOK     = 0
	exitError  = 1
	exitBroken = 2
)

var errBrokenChain = errors.New("audit chain broken")

// chainVerifier is the part of audit.Verifier the verify command needs
type chainVerifier interface {
	VerifyChain(ctx context.Context, tenantScope string) (*audit.ChainReport, error)
	VerifyAll(ctx context.Context) ([]*audit.ChainReport, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: auditctl verify|cleanup-ratelimit [flags]")
		return exitError
	}

	cfg, err := config.New(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return exitError
	}
	if cfg.StorageBackend != config.StorageBackendPostgres {
		fmt.Fprintln(stderr, "auditctl needs the postgres storage backend")
		return exitError
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, cfg.IsProduction())
	if err != nil {
		fmt.Fprintln(stderr, "logger:", err)
		return exitError
	}
	defer logger.Sync()

	factory, err := postgres.NewRepositoryFactory(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "database:", err)
		return exitError
	}
	defer factory.Close()

	switch args[0] {
	case "verify":
		fs := flag.NewFlagSet("verify", flag.ContinueOnError)
		fs.SetOutput(stderr)
		tenant := fs.String("tenant", "", "Tenant scope to verify; all tenants when empty")
		if err := fs.Parse(args[1:]); err != nil {
			return exitError
		}
		repos := factory.NewRepositories()
		verifier := audit.NewVerifier(repos.AuditEvents, cfg.Audit.VerifyPageSize, nil, logger)
		return exitCode(verifyChains(ctx, verifier, *tenant, stdout), stderr)

	case "cleanup-ratelimit":
		fs := flag.NewFlagSet("cleanup-ratelimit", flag.ContinueOnError)
		fs.SetOutput(stderr)
		olderThan := fs.Duration("older-than", 24*time.Hour, "Delete rate limit attempts older than this")
		if err := fs.Parse(args[1:]); err != nil {
			return exitError
		}
		store := ratelimit.NewPostgresStore(factory.GetDB().DB, logger)
		deleted, err := store.CleanupOldRequests(ctx, *olderThan)
		if err != nil {
			fmt.Fprintln(stderr, "cleanup:", err)
			return exitError
		}
		logger.Info("rate limit attempts removed", zap.Int64("deleted", deleted))
		fmt.Fprintf(stdout, "deleted %d rate limit attempts\n", deleted)
		return exitOK
	}

	fmt.Fprintf(stderr, "unknown command %q\n", args[0])
	return exitError
}

// verifyChains writes one JSON report per chain and returns errBrokenChain
// when any of them failed
func verifyChains(ctx context.Context, verifier chainVerifier, tenant string, out io.Writer) error {
	var reports []*audit.ChainReport
	if tenant != "" {
		report, err := verifier.VerifyChain(ctx, tenant)
		if err != nil {
			return err
		}
		reports = []*audit.ChainReport{report}
	} else {
		var err error
		if reports, err = verifier.VerifyAll(ctx); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	broken := false
	for _, report := range reports {
		if err := enc.Encode(report); err != nil {
			return err
		}
		if !report.OK {
			broken = true
		}
	}
	if broken {
		return errBrokenChain
	}
	return nil
}

func exitCode(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errBrokenChain):
		fmt.Fprintln(stderr, err)
		return exitBroken
	}
	fmt.Fprintln(stderr, "verify:", err)
	return exitError
}
