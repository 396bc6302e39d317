// Command migrate applies or inspects the settlement schema using the
// migrations embedded in the binary.
//
//	migrate [-timeout 2m] up | down | status | version | redo | up-to N | down-to N
//
// The database comes from DATABASE_URL (a .env file is honoured).
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/migrations"
)

var errUsage = errors.New("usage: migrate [-timeout d] <up|down|status|version|redo|up-to N|down-to N>")

func main() {
	timeout := flag.Duration("timeout", 2*time.Minute, "abort if the command runs longer than this")
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, flag.Args()); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Setup(); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	command, rest := args[0], args[1:]
	if err := goose.RunContext(ctx, command, db, ".", rest...); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}
