package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/questionflow/internal/auth"
	"github.com/pavelanni/questionflow/internal/events"
	"github.com/pavelanni/questionflow/internal/handler"
	appI18n "github.com/pavelanni/questionflow/internal/i18n"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/storage"
	"github.com/pavelanni/questionflow/internal/store"
	"github.com/pavelanni/questionflow/internal/workflow"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "id", "Default language (en, id)")
	f.String("base-url", "http://localhost:8080", "Public URL of the service, used for OAuth redirects and e-mail links")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /qb)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")

	f.Int("qc-quota", workflow.DefaultQuotaMax, "Default number of questions a reviewer may hold at once")
	f.Bool("enforce-quota", true, "Refuse claims beyond the reviewer quota")
	f.Duration("claim-ttl", 0, "Return claims older than this to the queue (0 disables)")
	f.Duration("reclaim-interval", 5*time.Minute, "How often to look for stale claims")
	f.Duration("session-cleanup-interval", time.Hour, "How often to purge expired sign-in sessions")

	f.String("s3-endpoint", "", "S3-compatible endpoint (empty uses AWS)")
	f.String("s3-region", "us-east-1", "S3 region")
	f.String("s3-access-key", "", "S3 access key (empty uses the default AWS credential chain)")
	f.String("s3-secret-key", "", "S3 secret key")
	f.String("s3-bucket", "", "Bucket for uploaded files (empty disables uploads)")
	f.String("s3-public-url", "", "Public base URL for uploaded objects")
	f.String("drive-credentials", "", "Google OAuth client JSON for document copies")
	f.String("drive-token", "drive-token.json", "Saved Google Drive token")
	f.String("drive-folder", "", "Drive folder ID for document copies (empty disables copies)")

	f.String("oauth-client-id", "", "OAuth client ID for sign-in (empty disables OAuth sign-in)")
	f.String("oauth-client-secret", "", "OAuth client secret")

	f.String("sqs-queue-url", "", "SQS queue for workflow events")
	f.String("sqs-region", "us-east-1", "SQS region")
	f.String("redis-url", "", "Redis URL for workflow event pub/sub")
	f.String("redis-prefix", "questionflow", "Redis channel prefix")
	f.String("smtp-host", "", "SMTP host for revision notifications")
	f.Int("smtp-port", 587, "SMTP port")
	f.String("smtp-user", "", "SMTP username")
	f.String("smtp-pass", "", "SMTP password")
	f.String("smtp-from", "", "Sender address for notifications")

	f.String("admin-email", "", "E-mail of the initial administrator (or set QUESTIONFLOW_ADMIN_EMAIL)")
	f.String("admin-password", "", "Initial administrator password (or set QUESTIONFLOW_ADMIN_PASSWORD)")
	return cmd
}

// normalizeBasePath returns p with a leading slash and no trailing slash, or "".
func normalizeBasePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	basePath := normalizeBasePath(v.GetString("base-path"))
	cfg := model.AppConfig{
		BaseURL:       strings.TrimRight(v.GetString("base-url"), "/"),
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
		QuotaMax:      v.GetInt("qc-quota"),
		EnforceQuota:  v.GetBool("enforce-quota"),
		ClaimTTL:      v.GetDuration("claim-ttl"),
		Bucket:        v.GetString("s3-bucket"),
		DriveFolderID: v.GetString("drive-folder"),
	}

	files, err := buildStorage(ctx, v, cfg)
	if err != nil {
		return err
	}
	pub, closePub, err := buildPublishers(ctx, v, db, cfg)
	if err != nil {
		return err
	}
	defer closePub()

	flow := workflow.New(db, files, pub, cfg)

	var provider auth.Provider
	if id := v.GetString("oauth-client-id"); id != "" {
		provider = auth.NewOAuthProvider(auth.OAuthConfig{
			ClientID:     id,
			ClientSecret: v.GetString("oauth-client-secret"),
			RedirectURL:  cfg.BaseURL + basePath + "/auth/callback",
		})
	} else {
		slog.Warn("OAuth sign-in disabled; only password login is available")
	}
	gate := auth.NewGate(db, provider)

	h, err := handler.New(db, flow, gate, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())

	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"lang", lang,
			"base_path", basePath,
			"qc_quota", cfg.QuotaMax,
			"enforce_quota", cfg.EnforceQuota,
			"claim_ttl", cfg.ClaimTTL,
			"uploads", files != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
		defer cancel()
		slog.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		flow.RunReclaimer(gctx, cfg.ClaimTTL, v.GetDuration("reclaim-interval"))
		return nil
	})
	g.Go(func() error {
		cleanupSessions(gctx, db, v.GetDuration("session-cleanup-interval"))
		return nil
	})
	return g.Wait()
}

// buildStorage returns the upload pipeline, or nil when no bucket is configured.
func buildStorage(ctx context.Context, v *viper.Viper, cfg model.AppConfig) (workflow.Files, error) {
	if cfg.Bucket == "" {
		slog.Warn("no bucket configured; file uploads are disabled")
		return nil, nil
	}
	objects, err := storage.NewS3Store(ctx, storage.S3Config{
		Endpoint:      v.GetString("s3-endpoint"),
		Region:        v.GetString("s3-region"),
		AccessKey:     v.GetString("s3-access-key"),
		SecretKey:     v.GetString("s3-secret-key"),
		PublicBaseURL: v.GetString("s3-public-url"),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}

	var docs storage.DocumentStore
	if creds := v.GetString("drive-credentials"); creds != "" && cfg.DriveFolderID != "" {
		consent, err := storage.NewDriveConsent(creds, v.GetString("drive-token"))
		if err != nil {
			return nil, err
		}
		drive, err := consent.NewDriveStore(ctx)
		if err != nil {
			return nil, err
		}
		docs = drive
	}

	p := storage.NewPipeline(objects, docs, cfg.Bucket, cfg.DriveFolderID)
	if err := p.Prepare(ctx); err != nil {
		return nil, err
	}
	slog.Info("storage ready", "bucket", cfg.Bucket, "document_copies", docs != nil)
	return p, nil
}

// buildPublishers fans workflow events out to the log and every configured sink.
func buildPublishers(ctx context.Context, v *viper.Viper, db *store.Store, cfg model.AppConfig) (events.Publisher, func(), error) {
	pubs := events.Multi{events.LogPublisher{}}
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if url := v.GetString("sqs-queue-url"); url != "" {
		p, err := events.NewSQSPublisher(ctx, v.GetString("sqs-region"), url)
		if err != nil {
			return nil, closeAll, fmt.Errorf("create SQS publisher: %w", err)
		}
		pubs = append(pubs, p)
	}
	if url := v.GetString("redis-url"); url != "" {
		p, err := events.NewRedisPublisher(ctx, url, v.GetString("redis-prefix"))
		if err != nil {
			return nil, closeAll, fmt.Errorf("create redis publisher: %w", err)
		}
		closers = append(closers, func() { _ = p.Close() })
		pubs = append(pubs, p)
	}
	if host := v.GetString("smtp-host"); host != "" {
		mail := events.NewAsync(events.NewMailNotifier(db, events.SMTPConfig{
			Host:     host,
			Port:     v.GetInt("smtp-port"),
			Username: v.GetString("smtp-user"),
			Password: v.GetString("smtp-pass"),
			From:     v.GetString("smtp-from"),
		}, cfg.BaseURL+cfg.BasePath))
		closers = append(closers, mail.Wait)
		pubs = append(pubs, mail)
	}
	return pubs, closeAll, nil
}

func cleanupSessions(ctx context.Context, db *store.Store, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.CleanupExpiredSessions(ctx); err != nil {
				slog.Error("session cleanup failed", "error", err)
			}
		}
	}
}

func seedAdmin(ctx context.Context, db *store.Store, email, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("no users exist: set --admin-email and --admin-password (or QUESTIONFLOW_ADMIN_EMAIL and QUESTIONFLOW_ADMIN_PASSWORD)")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := db.CreateUser(ctx, model.User{
		Name:         "Administrator",
		Email:        email,
		Role:         model.RoleAdministrator,
		PasswordHash: hash,
	}); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	slog.Info("seeded administrator", "email", email)
	return nil
}
