package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobsched/internal/api"
	"jobsched/internal/config"
	"jobsched/internal/domain"
	"jobsched/internal/handlers"
	httpaction "jobsched/internal/handlers/http"
	"jobsched/internal/logging"
	"jobsched/internal/scheduler"
	"jobsched/internal/store"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "jobsched",
	Short: "Persistent one-shot job scheduler",
	Long: `jobsched runs HTTP actions at a requested time and fires an optional
follow-up action depending on the outcome. Jobs survive restarts.

Every setting can also be given as JOBSCHED_<SECTION>_<KEY>, for example
JOBSCHED_SERVER_API_TOKEN or JOBSCHED_SCHEDULER_TIMEZONE.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	flags.String("addr", ":8176", "HTTP bind address")
	flags.String("db", "jobsched.db", "SQLite DB path")
	flags.String("timezone", "UTC", "timezone for timestamps without offset")
	flags.Int("max-concurrent", 3, "maximum concurrently running jobs")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console or json)")
}

// bindFlags lets explicitly set flags override file and environment values.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for key, flag := range map[string]string{
		"server.addr":              "addr",
		"database.path":            "db",
		"scheduler.timezone":       "timezone",
		"scheduler.max_concurrent": "max-concurrent",
		"log.level":                "log-level",
		"log.format":               "log-format",
	} {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag --%s", flag)
		}
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	v, err := config.NewViper(configFile)
	if err != nil {
		return err
	}
	if err := bindFlags(cmd, v); err != nil {
		return err
	}
	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return err
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("open db")
	}
	defer db.Close()

	if err := store.EnsureSchema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	registry := handlers.NewRegistry()
	registry.Register(domain.KindHTTP, httpaction.New(cfg.HTTPAction()))

	svc := scheduler.NewService(repo, registry, cfg.SchedulerOptions())
	if err := svc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: api.NewServer(svc, cfg.Server.APIToken)}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-c:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		log.Error().Err(err).Msg("http server")
		runErr = errors.Wrap(err, "http server")
	}

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelTimeout()
	if err := srv.Shutdown(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if err := svc.Stop(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("scheduler did not stop cleanly; running jobs will be rescheduled on next start")
	}
	return runErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
