package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/urfave/cli/v3"

	"github.com/kaplia/server/api"
	"github.com/kaplia/server/chat"
	"github.com/kaplia/server/config"
	"github.com/kaplia/server/hub"
	"github.com/kaplia/server/logger"
	"github.com/kaplia/server/mcp"
	"github.com/kaplia/server/middleware"
	"github.com/kaplia/server/presence"
	"github.com/kaplia/server/ratelimit"
	"github.com/kaplia/server/settings"
	"github.com/kaplia/server/storage"
	"github.com/kaplia/server/webhook"
	"github.com/kaplia/server/ws"
)

const shutdownTimeout = 10 * time.Second

type serveCmd struct {
	flags *flags

	listen    string
	logLevel  string
	publicURL string
	devMode   bool
	qr        bool
}

func newServeCmd(f *flags) *serveCmd {
	return &serveCmd{flags: f}
}

func (cmd *serveCmd) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "listen",
			Usage:       "listen address (overrides the config file)",
			Sources:     cli.EnvVars("CHATRELAY_LISTEN"),
			Destination: &cmd.listen,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Sources:     cli.EnvVars("CHATRELAY_LOG_LEVEL"),
			Destination: &cmd.logLevel,
		},
		&cli.StringFlag{
			Name:        "public-url",
			Usage:       "public base URL of the server",
			Sources:     cli.EnvVars("CHATRELAY_PUBLIC_URL"),
			Destination: &cmd.publicURL,
		},
		&cli.BoolFlag{
			Name:        "dev",
			Usage:       "development mode: accept admin sockets from any origin",
			Sources:     cli.EnvVars("CHATRELAY_DEV"),
			Destination: &cmd.devMode,
		},
		&cli.BoolFlag{
			Name:        "qr",
			Usage:       "print the public URL as a QR code on start",
			Destination: &cmd.qr,
		},
	}
}

func (cmd *serveCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:   "serve",
		Usage:  "Run the chat server (default)",
		Flags:  cmd.Flags(),
		Action: cmd.run,
	})
	return app
}

// loadConfig reads the config file with command line overrides applied.
func (cmd *serveCmd) loadConfig() (config.Config, error) {
	cfg, err := cmd.flags.loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	if cmd.listen != "" {
		cfg.Listen = cmd.listen
	}
	if cmd.logLevel != "" {
		cfg.Log.Level = cmd.logLevel
	}
	if cmd.publicURL != "" {
		cfg.PublicURL = cmd.publicURL
	}
	if cmd.devMode {
		cfg.DevMode = true
	}
	return cfg, cfg.Validate()
}

func (cmd *serveCmd) run(ctx context.Context, c *cli.Command) error {
	cfg, err := cmd.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCloser := logger.Init(cfg.Log)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	boot, err := db.EnsureAdmin(ctx, cfg.Admin.InitialPassword)
	if err != nil {
		return fmt.Errorf("initialize admin: %w", err)
	}
	if boot.Created {
		if boot.GeneratedPassword {
			slog.Warn("admin account created with a generated password; change it with 'chatrelay passwd'", "password", boot.Password)
		} else {
			slog.Info("admin account created")
		}
	}

	settingsStore, err := settings.NewStore(ctx, db)
	if err != nil {
		return err
	}

	conns := hub.NewRegistry()
	limiter := ratelimit.New(func() ratelimit.Limits {
		s := settingsStore.Get()
		return ratelimit.Limits{MaxMessagesPerMinute: s.MaxMessagesPerMinute, MaxMessageLength: s.MaxMessageLength}
	})
	hook := webhook.New(func() settings.Webhook { return settingsStore.Get().Webhook }, cfg.Webhook.Timeout)
	router := chat.NewRouter(db, db, conns, limiter, settingsStore, hook)
	tracker := presence.NewTracker(conns, router, db, cfg.Presence)
	defer tracker.Close()

	watcher := config.NewWatcher(cmd.flags.ConfigPath, cmd.loadConfig, func(next config.Config) {
		tracker.SetTimings(next.Presence)
		logger.SetLevel(next.Log.Level)
	})
	if err := watcher.Start(); err != nil {
		slog.Warn("config hot reload disabled", "path", cmd.flags.ConfigPath, "error", err)
	} else {
		defer watcher.Stop()
	}

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: newHandler(handlerDeps{
			db:       db,
			settings: settingsStore,
			conns:    conns,
			router:   router,
			tracker:  tracker,
			cfg:      cfg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "listen", cfg.Listen, "version", build())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if cfg.PublicURL != "" {
		slog.Info("public url", "url", cfg.PublicURL)
		if cmd.qr {
			qrterminal.GenerateHalfBlock(cfg.PublicURL, qrterminal.L, os.Stdout)
		}
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	hook.Wait()
	return nil
}

type handlerDeps struct {
	db       *storage.DB
	settings *settings.Store
	conns    *hub.Registry
	router   *chat.Router
	tracker  *presence.Tracker
	cfg      config.Config
}

func newHandler(d handlerDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// WebSocket endpoint (handles its own auth)
	mux.Handle("GET /ws", ws.NewHandler(ws.Options{
		Conns:        d.conns,
		Router:       d.router,
		Tracker:      d.tracker,
		Sessions:     d.db,
		Settings:     d.settings,
		Admin:        d.db,
		DevMode:      d.cfg.DevMode,
		WriteTimeout: d.cfg.WebSocket.WriteTimeout,
	}))

	api.NewHandler(d.db, d.router).Register(mux)

	mcpServer := mcp.NewServer(d.db, d.router, func() int { return d.settings.Get().AdminMessagesLimit })
	mux.Handle("/mcp", mcpServer.Handler())

	return middleware.Auth(d.db.APIToken)(mux)
}
