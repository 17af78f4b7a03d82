package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetdesk/convsync/internal/devserver"
	"github.com/fleetdesk/convsync/internal/devserver/store"
	"go.uber.org/zap"
)

// SecretEnv supplies the token signing secret when -secret is not given.
const SecretEnv = "CONVSYNC_DEV_SECRET"

func main() {
	addr := flag.String("addr", ":8088", "listen address")
	dbPath := flag.String("db", "convsync-dev.db", "SQLite database path")
	secretFlag := flag.String("secret", "", "token signing secret (default $"+SecretEnv+")")
	issue := flag.String("issue", "", "print a token for this sender id and exit")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of issued tokens; 0 never expires")
	flag.Parse()

	secret := *secretFlag
	if secret == "" {
		secret = os.Getenv(SecretEnv)
	}
	if secret == "" {
		fmt.Fprintf(os.Stderr, "error: -secret or $%s is required\n", SecretEnv)
		os.Exit(1)
	}

	if *issue != "" {
		token, err := devserver.IssueToken([]byte(secret), *issue, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*addr, *dbPath, []byte(secret), logger); err != nil {
		logger.Fatal("devserver failed", zap.Error(err))
	}
}

func run(addr, dbPath string, secret []byte, logger *zap.Logger) error {
	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	result, err := db.Migrate()
	if err != nil {
		return err
	}
	logger.Info("store initialized", zap.String("path", dbPath), zap.Uint("version", result.Version), zap.Bool("migrated", result.Changed))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := devserver.New(db, secret, logger)
	go srv.Run(ctx)

	hs := &http.Server{Addr: addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("devserver listening", zap.String("addr", addr))
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("devserver stopped")
	return nil
}
