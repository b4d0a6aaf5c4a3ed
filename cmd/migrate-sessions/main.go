// Package main provides a CLI tool that seals plaintext stored sessions.
//
// Every client_sessions row with encryption_version=0 (plaintext) is
// re-written as version 1 (AES-256-GCM, profile as associated data).
//
// Usage:
//
//	migrate-sessions [--dry-run] [--profile PROFILE] [--status]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required unless --status)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-sessions --dry-run
//	./migrate-sessions
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/seji7/trpgweb/crypto"
	"github.com/seji7/trpgweb/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	profile := flag.String("profile", "", "Migrate one session profile only (default: all profiles)")
	statusOnly := flag.Bool("status", false, "Only report encryption status")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}

	database, err := db.Connect(dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close() //nolint:errcheck // process exit

	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("failed to migrate schema", slog.Any("error", err))
		os.Exit(1)
	}

	if !*statusOnly {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Error("ENCRYPTION_KEY environment variable is required for migration")
			os.Exit(1)
		}
		sealer, err := crypto.NewAESSealer(key)
		if err != nil {
			slog.Error("failed to initialize sealer", slog.Any("error", err))
			os.Exit(1)
		}
		if _, err := migrateSessions(ctx, database, sealer, *dryRun, *profile); err != nil {
			slog.Error("migration failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	if err := reportStatus(ctx, database); err != nil {
		slog.Error("status query failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// migrateSessions seals every plaintext session and returns how many were
// (or in dry-run, would be) sealed.
func migrateSessions(ctx context.Context, database *sql.DB, sealer crypto.Sealer, dryRun bool, profile string) (int, error) {
	rows, err := db.PlaintextSessions(ctx, database, profile)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		slog.Info("no plaintext sessions found to migrate")
		return 0, nil
	}
	slog.Info("found plaintext sessions to migrate", slog.Int("count", len(rows)), slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, row := range rows {
		logger := slog.With(slog.String("profile", row.Profile), slog.Int("index", i+1), slog.Int("total", len(rows)))
		if dryRun {
			logger.Info("would seal session (dry-run)")
			migrated++
			continue
		}
		if err := db.SealSession(ctx, database, sealer, row); err != nil {
			logger.Error("failed to seal session", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("sealed session")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(rows)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return migrated, fmt.Errorf("migration completed with %d errors", failed)
	}
	return migrated, nil
}

func reportStatus(ctx context.Context, database *sql.DB) error {
	status, err := db.EncryptionStatus(ctx, database)
	if err != nil {
		return err
	}
	total := 0
	for version, count := range status {
		slog.Info("session encryption status",
			slog.Int("encryption_version", version),
			slog.String("description", describeVersion(version)),
			slog.Int("count", count))
		total += count
	}
	slog.Info("total sessions", slog.Int("count", total))
	return nil
}

func describeVersion(v int) string {
	switch v {
	case db.EncryptionNone:
		return "plaintext"
	case db.EncryptionAESGCM:
		return "encrypted (AES-256-GCM)"
	default:
		return fmt.Sprintf("unknown version %d", v)
	}
}
