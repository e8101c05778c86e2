package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"doser-dashboard/internal/api"
	"doser-dashboard/internal/settings"
	"doser-dashboard/internal/store"
	"doser-dashboard/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	// Device.Timeout bounds each device request. Zero leaves requests
	// bounded only by their context.
	Device struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"device"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		MaxUploadMB    int64    `yaml:"max_upload_mb"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Status struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"status"`
	Settings struct {
		Rollback bool `yaml:"rollback"`
	} `yaml:"settings"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Device.BaseURL == "" {
		return fmt.Errorf("device.base_url is required")
	}
	u, err := url.Parse(c.Device.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("device.base_url must be an http(s) URL, got %q", c.Device.BaseURL)
	}
	if c.Device.Timeout < 0 {
		return fmt.Errorf("device.timeout must not be negative")
	}
	if c.Status.PollInterval < time.Second {
		return fmt.Errorf("status.poll_interval must be at least 1s, got %s", c.Status.PollInterval)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("doser-dashboard starting", "version", version, "device", cfg.Device.BaseURL)

	// Open token store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	client, err := api.NewClient(cfg.Device.BaseURL, db,
		api.WithTimeout(cfg.Device.Timeout),
		api.WithLogger(logger))
	if err != nil {
		logger.Error("create device client", "err", err)
		os.Exit(1)
	}

	var storeOpts []settings.Option
	if cfg.Settings.Rollback {
		storeOpts = append(storeOpts, settings.WithRollback())
	}
	events := settings.NewEventBus(logger)
	st := settings.New(client, db, events, logger, storeOpts...)
	client.OnUnauthorized(st.ExpireSession)

	// Restored session: load what the views need up front.
	if st.Authenticated() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := st.Refresh(ctx); err != nil {
			logger.Warn("initial refresh", "err", err)
		}
		cancel()
	}

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Web.MaxUploadMB > 0 {
		webOpts = append(webOpts, web.WithMaxUploadSize(cfg.Web.MaxUploadMB<<20))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(st, client, logger, webOpts...)

	// Firmware uploads are proxied to the device within the request.
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(st, client, cfg, logger)

	pollCtx, pollCancel := context.WithCancel(context.Background())
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		pollStatus(pollCtx, st, cfg.Status.PollInterval, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	pollCancel()
	pollWG.Wait()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

// pollStatus reloads the status snapshot on every tick while a session is
// active. Failures are recorded by the store and retried on the next tick.
func pollStatus(ctx context.Context, st *settings.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !st.Authenticated() {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, interval)
		if err := st.LoadStatus(reqCtx); err != nil {
			logger.Debug("status poll", "err", err)
		}
		cancel()
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "doser-dashboard.db"
	}
	if cfg.Status.PollInterval == 0 {
		cfg.Status.PollInterval = 10 * time.Second
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "doser"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
