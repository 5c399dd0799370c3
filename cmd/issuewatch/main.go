package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/issuewatch/internal/adapter/driven/filestate"
	githubadapter "github.com/ericfisherdev/issuewatch/internal/adapter/driven/github"
	gitlabadapter "github.com/ericfisherdev/issuewatch/internal/adapter/driven/gitlab"
	sqliteadapter "github.com/ericfisherdev/issuewatch/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/issuewatch/internal/adapter/driven/telegram"
	httphandler "github.com/ericfisherdev/issuewatch/internal/adapter/driving/http"
	"github.com/ericfisherdev/issuewatch/internal/application"
	"github.com/ericfisherdev/issuewatch/internal/config"
	"github.com/ericfisherdev/issuewatch/internal/domain/model"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

func main() {
	once := flag.Bool("once", false, "run a single poll cycle and exit")
	flag.Parse()

	if err := run(*once); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(once bool) error {
	// 1. Load configuration (fail fast, every problem reported at once).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg))
	slog.Info("config loaded",
		"targets", len(cfg.Targets),
		"poll_interval", cfg.PollInterval,
		"workers", cfg.Workers,
		"state_backend", cfg.StateBackend,
		"issue_state", cfg.IssueState,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the watermark store.
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 4. Wire issue sources.
	sources := application.NewSourceRouter()
	if cfg.HasProvider(model.ProviderGitHub) {
		ghClient := githubadapter.NewClient(cfg.GitHubToken, cfg.IssueState)
		checkGitHubAccess(ctx, ghClient, cfg)
		sources.Register(model.ProviderGitHub, ghClient)
	}
	if cfg.HasProvider(model.ProviderGitLab) {
		glClient, err := gitlabadapter.NewClient(cfg.GitLabToken, cfg.GitLabURL, cfg.IssueState)
		if err != nil {
			return err
		}
		checkGitLabAccess(ctx, glClient, cfg)
		sources.Register(model.ProviderGitLab, glClient)
	}

	// 5. Connect to Telegram. An unreachable Bot API or bad token is fatal.
	notifier, err := telegram.New(cfg.TelegramBotToken, cfg.TelegramChatID, telegram.Options{
		APIURL:        cfg.TelegramAPIURL,
		HTTPClient:    &http.Client{Timeout: cfg.SendTimeout},
		RatePerSecond: cfg.TelegramRate,
	}, slog.Default())
	if err != nil {
		return err
	}
	slog.Info("telegram bot connected", "bot", notifier.BotUsername(), "chat_id", cfg.TelegramChatID)

	// 6. Create monitor and poll service.
	monitor := application.NewMonitor(sources, notifier, store, application.MonitorConfig{
		FetchTimeout: cfg.FetchTimeout,
		SendTimeout:  cfg.SendTimeout,
	}, slog.Default())
	pollSvc := application.NewPollService(monitor, cfg.Targets, cfg.PollInterval, cfg.Workers, slog.Default())

	if once {
		_, err := pollSvc.RunOnce(ctx)
		return err
	}

	// 7. Start the status API.
	var srv *http.Server
	if cfg.ListenAddr != "" {
		apiHandler := httphandler.NewHandler(store, pollSvc, slog.Default())
		srv = &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		go func() {
			slog.Info("http server starting", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
	}

	// 8. Start polling.
	watchdog := newWatchdog(cfg.PollInterval)
	pollSvc.OnCycle(func(application.CycleSummary) { watchdog.beat() })

	pollDone := make(chan struct{})
	go func() {
		pollSvc.Start(ctx)
		close(pollDone)
	}()

	notifyReady()
	slog.Info("issuewatch started",
		"targets", len(cfg.Targets),
		"listen_addr", cfg.ListenAddr,
		"poll_interval", cfg.PollInterval,
	)

	// 9. Wait for shutdown signal, then let the in-flight cycle finish.
	<-ctx.Done()
	slog.Info("shutting down")
	notifyStopping()
	<-pollDone

	// 10. Graceful shutdown with 10s timeout for HTTP server drain.
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openStore opens the configured watermark backend. The returned close
// function is safe to defer.
func openStore(cfg *config.Config) (driven.WatermarkStore, func(), error) {
	if cfg.StateBackend == config.BackendFile {
		slog.Info("using file state store", "path", cfg.StateFile)
		return filestate.New(cfg.StateFile, slog.Default()), func() {}, nil
	}

	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	closeDB := func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}
	slog.Info("database opened", "path", cfg.DBPath)

	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	slog.Info("migrations complete", "schema_version", version)

	return sqliteadapter.NewWatermarkRepo(db), closeDB, nil
}

// checkGitHubAccess logs who the token belongs to and whether each target is
// reachable. Problems are warnings only; the poll loop reports and isolates
// them per target.
func checkGitHubAccess(ctx context.Context, client *githubadapter.Client, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()

	if cfg.GitHubToken == "" {
		slog.Warn("no github token configured, using unauthenticated rate limits")
	} else if info, err := client.ValidateToken(ctx); err != nil {
		slog.Warn("github token validation failed", "error", err)
	} else {
		slog.Info("github token valid",
			"login", info.Login,
			"scopes", info.Scopes,
			"rate_remaining", info.RateRemaining,
			"rate_limit", info.RateLimit,
		)
	}

	for _, t := range cfg.Targets {
		if t.Provider != model.ProviderGitHub {
			continue
		}
		private, err := client.CheckRepoAccess(ctx, t.FullName)
		if err != nil {
			slog.Warn("github repository not accessible", "target", t.Key(), "error", err)
			continue
		}
		slog.Info("github repository accessible", "target", t.Key(), "private", private)
	}
}

func checkGitLabAccess(ctx context.Context, client *gitlabadapter.Client, cfg *config.Config) {
	if cfg.GitLabToken == "" {
		slog.Warn("no gitlab token configured, only public projects are readable", "url", cfg.GitLabURL)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()

	user, err := client.CurrentUser(ctx)
	if err != nil {
		slog.Warn("gitlab token validation failed", "url", cfg.GitLabURL, "error", err)
		return
	}
	slog.Info("gitlab token valid", "url", cfg.GitLabURL, "user", user)
}
