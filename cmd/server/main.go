// Command server runs the keyrotor OpenRouter key-rotating proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/keyrotor/keyrotor/internal/api"
	"github.com/keyrotor/keyrotor/internal/config"
	"github.com/keyrotor/keyrotor/internal/credential"
	"github.com/keyrotor/keyrotor/internal/logging"
	"github.com/keyrotor/keyrotor/internal/metrics"
	"github.com/keyrotor/keyrotor/internal/policy"
	"github.com/keyrotor/keyrotor/internal/runtime/executor"
	"github.com/keyrotor/keyrotor/internal/usage"
	"github.com/keyrotor/keyrotor/internal/watcher"
	log "github.com/sirupsen/logrus"
)

// limitRetentionDays is how long daily limit counters are kept.
const limitRetentionDays = 30

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flag.Parse()

	logging.SetupBaseLogger()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("failed to load .env file: %v", err)
	}
	if configPath == "" {
		configPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if config.IsConfigurationError(err) {
			log.Errorf("%v", err)
		} else {
			log.Errorf("failed to load configuration: %v", err)
		}
		os.Exit(1)
	}

	logging.SetLogLevel(cfg.LogLevel, cfg.Debug)
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		os.Exit(1)
	}
	defer logging.CloseLogOutputs()
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	if err = run(configPath, cfg); err != nil {
		log.Errorf("%v", err)
		logging.CloseLogOutputs()
		os.Exit(1)
	}
}

func run(configPath string, cfg *config.Config) error {
	pool, err := credential.NewPool(cfg.OpenRouterKeys)
	if err != nil {
		return &config.ConfigurationError{Field: config.EnvOpenRouterKeys, Reason: err.Error()}
	}
	exec, err := executor.NewOpenRouterExecutor(cfg)
	if err != nil {
		return err
	}

	opts := api.Options{
		ConfigPath: configPath,
		Metrics:    metrics.NewCollector(nil),
	}

	if cfg.Usage.DSN != "" {
		store, errOpen := usage.Open(cfg.Usage.Driver, cfg.Usage.DSN)
		if errOpen != nil {
			return errOpen
		}
		defer func() { _ = store.Close() }()
		recorder := usage.NewRecorder(store)
		defer recorder.Close()
		opts.UsageStore = store
		opts.Recorder = recorder
		log.Infof("usage accounting enabled (%s)", store.Driver())
	}

	if cfg.LimitsDBPath != "" {
		limiter, errOpen := policy.NewSQLiteDailyLimiter(cfg.LimitsDBPath)
		if errOpen != nil {
			return errOpen
		}
		defer func() { _ = limiter.Close() }()
		keepFrom := policy.DayKey(time.Now().AddDate(0, 0, -limitRetentionDays))
		if removed, errPrune := limiter.Prune(context.Background(), keepFrom); errPrune != nil {
			log.Warnf("failed to prune daily limit counters: %v", errPrune)
		} else if removed > 0 {
			log.Debugf("pruned %d daily limit counter(s) older than %s", removed, keepFrom)
		}
		opts.Limiter = limiter
	}

	live := config.NewLive(cfg)
	server := api.NewServer(live, pool, exec, opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		w, errWatch := watcher.New(configPath, live)
		if errWatch != nil {
			log.Warnf("config hot reload disabled: %v", errWatch)
		} else {
			defer func() { _ = w.Close() }()
			go w.Run(ctx)
		}
	}

	if len(cfg.AccessTokens) == 0 {
		log.Warn("no access tokens configured; inbound authentication is disabled")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
