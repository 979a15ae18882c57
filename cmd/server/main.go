package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/mackdin/authcore/assets"
	"github.com/mackdin/authcore/internal"
	"github.com/mackdin/authcore/internal/auth"
	authdb "github.com/mackdin/authcore/internal/auth/db"
	"github.com/mackdin/authcore/internal/auth/token"
	"github.com/mackdin/authcore/internal/db"
	"github.com/mackdin/authcore/internal/db/migrate"
	"github.com/mackdin/authcore/internal/email"
	"github.com/mackdin/authcore/internal/email/postmark"
	"github.com/mackdin/authcore/internal/email/view"
	"github.com/mackdin/authcore/internal/krypto"
	"github.com/mackdin/authcore/internal/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Stderr, envconfig.OsLookuper()))
}

func run(ctx context.Context, w io.Writer, lookuper envconfig.Lookuper) int {
	logger := slog.New(slog.NewTextHandler(w, nil))

	cfg, err := configFromEnv(ctx, lookuper)
	if err != nil {
		logger.Error("failed to get config from environment", "error", err)
		return 1
	}

	svc, closeFunc, err := setupAuthService(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to set up auth service", "error", err)
		return 1
	}
	defer closeFunc()

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		Handler: web.NewServer(&web.ServerDeps{
			Logger:      logger,
			AuthService: svc,
		}),
	}

	// We need to run three tasks concurrently:
	// - Listen and serving of the HTTP server.
	// - Periodic pruning of consumed token markers.
	// - Waiting for a signal to stop the server.

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server",
			"addr", cfg.HTTP.Addr,
			"buildRevision", internal.BuildRevision,
			"buildRevisionTime", internal.BuildRevisionTime,
			"buildLocalModified", internal.BuildLocalModified,
		)
		// ListenAndServe always returns a non-nil error,
		// g will cancel gCtx when an error is returned, so
		// this will also stop the other goroutines.
		return srv.ListenAndServe()
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Store.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				n, err := svc.PruneConsumedTokens(gCtx)
				if err != nil {
					// Pruning failures are not fatal, the markers stay
					// around until the next run succeeds.
					logger.Error("failed to prune consumed tokens", "error", err)
					continue
				}
				logger.Info("pruned consumed tokens", "count", n)
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("stopping http server")

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()

	// Drain the email workers before reporting the outcome.
	svc.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server stopped with error", "error", err)
		return 1
	}

	logger.Info("http server stopped successfully")

	return 0
}

func setupAuthService(ctx context.Context, logger *slog.Logger, cfg config) (*auth.Service, func(), error) {
	writeDB, err := db.OpenSQLite(cfg.Store.DBFile, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open write database: %w", err)
	}

	readDB, err := db.OpenSQLite(cfg.Store.DBFile, false)
	if err != nil {
		writeDB.Close()
		return nil, nil, fmt.Errorf("failed to open read database: %w", err)
	}

	closeFunc := func() {
		if err := readDB.Close(); err != nil {
			logger.Error("failed to close read database", "error", err)
		}
		if err := writeDB.Close(); err != nil {
			logger.Error("failed to close write database", "error", err)
		}
	}

	if err := checkMigrations(ctx, readDB); err != nil {
		closeFunc()
		return nil, nil, err
	}

	encryptor, err := krypto.NewEncryptor(cfg.Store.EncryptionKeys)
	if err != nil {
		closeFunc()
		return nil, nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	codec, err := token.NewCodec(cfg.Tokens.SigningKey)
	if err != nil {
		closeFunc()
		return nil, nil, fmt.Errorf("failed to create token codec: %w", err)
	}

	store := authdb.New(readDB, writeDB, encryptor, cfg.Store.BlindIndexKey)

	sender, err := emailSender(logger, cfg.Email)
	if err != nil {
		closeFunc()
		return nil, nil, err
	}

	emailSvc := email.NewService(view.NewFSRenderer(assets.EmailFS), sender, cfg.Email.From)

	svcCfg := auth.ServiceConfig{
		WorkerTimeout:   cfg.WorkerTimeout,
		BaseURL:         cfg.BaseURL,
		VerifyTokenTTL:  cfg.Tokens.VerifyTTL,
		ResetTokenTTL:   cfg.Tokens.ResetTTL,
		AccessTokenTTL:  cfg.Tokens.AccessTTL,
		RefreshTokenTTL: cfg.Tokens.RefreshTTL,
	}

	svc, err := auth.NewService(store, codec, emailSvc, func(err error) {
		logger.Error("async auth error", "error", err)
	}, svcCfg)
	if err != nil {
		closeFunc()
		return nil, nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	return svc, closeFunc, nil
}

// checkMigrations verifies the database schema has been migrated.
// Running the migrations is the job of the dbmigrate command.
func checkMigrations(ctx context.Context, sqlDB *sql.DB) error {
	migrations, err := migrate.QueryMigrations(ctx, sqlDB)
	if err != nil {
		if errors.Is(err, migrate.ErrNoTable) {
			return errors.New("database has not been migrated, run dbmigrate first")
		}
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	if len(migrations) == 0 {
		return errors.New("database has not been migrated, run dbmigrate first")
	}

	return nil
}

func emailSender(logger *slog.Logger, cfg emailConfig) (email.Sender, error) {
	switch cfg.Sender {
	case "log":
		return email.NewLogSender(logger), nil
	case "postmark":
		apiURL, err := url.Parse(cfg.PostmarkAPIURL)
		if err != nil {
			return nil, fmt.Errorf("invalid postmark api url: %w", err)
		}

		return postmark.NewSender(&http.Client{Timeout: 30 * time.Second}, postmark.Settings{
			APIURL:        apiURL,
			ServerToken:   cfg.PostmarkServerToken,
			MessageStream: cfg.PostmarkMessageStream,
		}), nil
	default:
		return nil, fmt.Errorf("unknown email sender %q", cfg.Sender)
	}
}
