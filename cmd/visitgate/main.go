package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roniherschmann/visitgate/internal/analytics"
	"github.com/roniherschmann/visitgate/internal/auth"
	"github.com/roniherschmann/visitgate/internal/config"
	"github.com/roniherschmann/visitgate/internal/geoip"
	"github.com/roniherschmann/visitgate/internal/httpapi"
	"github.com/roniherschmann/visitgate/internal/limiter"
	"github.com/roniherschmann/visitgate/internal/metrics"
	"github.com/roniherschmann/visitgate/internal/token"
)

func main() {
	// Fast JSON logs by default; pretty if running in a TTY/dev
	if isatty() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	var configPath, dsnFlag string
	flag.StringVar(&configPath, "config", "", "YAML config file (env vars override it)")
	flag.StringVar(&dsnFlag, "dsn", "", "SQLite DSN (overrides env DB_DSN)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if dsnFlag != "" {
		cfg.Store.DBDSN = dsnFlag
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if missing := cfg.Missing(); len(missing) > 0 {
		// the affected endpoints answer 500 until these are set
		log.Warn().Strs("missing", missing).Msg("service partially configured")
	}

	backend, err := openBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("open analytics store")
	}
	defer backend.Close()

	geo := geoip.NewLookup()
	if err := geo.Open(cfg.Store.GeoIPPath); err != nil {
		log.Warn().Err(err).Msg("geoip disabled")
	}
	log.Info().Bool("enabled", geo.Enabled()).Msg("geoip")
	defer geo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := analytics.NewService(backend, analytics.Options{
		Salt:      cfg.Store.Salt,
		Timeout:   cfg.Store.Timeout,
		QueueSize: cfg.Store.QueueSize,
		Location:  cfg.Location(),
		Geo:       geo,
	})
	// Start the single store writer
	go svc.RunWriter(ctx)

	logins, err := limiter.New(ctx, limiter.Config{
		MaxAttempts: cfg.Login.MaxAttempts,
		Window:      cfg.Login.Window,
		Lockout:     cfg.Login.Lockout,
		MaxCacheMB:  cfg.Login.CacheMB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("login limiter")
	}
	defer logins.Close()
	metrics.TrackLoginRecords(logins.Tracked)

	// SIGHUP swaps in a refreshed GeoIP database
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := geo.Reload(); err != nil {
				log.Warn().Err(err).Msg("geoip reload")
			}
		}
	}()

	// HTTP server
	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpapi.NewRouter(httpapi.Deps{
			Config:    cfg,
			Analytics: svc,
			Limiter:   logins,
			Codec:     token.NewCodec(cfg.Admin.SessionSecret, cfg.Admin.SessionTTL),
			Credentials: auth.Credentials{
				Username:     cfg.Admin.Username,
				Password:     cfg.Admin.Password,
				PasswordHash: cfg.Admin.PasswordHash,
			},
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info().Int("port", cfg.Port).Str("env", cfg.Env).Str("store", cfg.Store.Backend).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal")
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("bye")
}

func openBackend(cfg *config.Config) (analytics.Backend, error) {
	if cfg.Store.Backend != "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, err
		}
		return analytics.NewFile(cfg.Store.Path), nil
	}

	if dir := sqliteDir(cfg.Store.DBDSN); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", cfg.Store.DBDSN)
	if err != nil {
		return nil, err
	}

	// Connection pool tuning
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Migrate schema
	if err := analytics.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return analytics.NewSQLite(db), nil
}

// sqliteDir returns the directory of a file-backed DSN, or "" for memory
// databases.
func sqliteDir(dsn string) string {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || strings.Contains(path, ":memory:") {
		return ""
	}
	return filepath.Dir(path)
}

func isatty() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
