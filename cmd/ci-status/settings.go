package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ci-status/cistatus"
	"ci-status/logger"
)

const (
	defaultInterval       = 5 * time.Minute
	defaultParallel       = 4
	defaultRequestTimeout = 30 * time.Second
)

// loadSettings reads the optional config file and applies explicitly set flags on top.
func loadSettings(cmd *cobra.Command) (*cistatus.FileConfig, error) {
	cfg := &cistatus.FileConfig{}
	if rootFlags.configPath != "" {
		fileCfg, err := cistatus.LoadConfig(rootFlags.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = fileCfg
	}
	mergeRootFlags(cfg, func(name string) bool {
		f := cmd.Flag(name)
		return f != nil && f.Changed
	})
	applyDefaults(cfg)
	return cfg, nil
}

func mergeRootFlags(cfg *cistatus.FileConfig, changed func(string) bool) {
	if changed("db-driver") || cfg.Database.Driver == "" {
		cfg.Database.Driver = rootFlags.dbDriver
	}
	if changed("db") || cfg.Database.DSN == "" {
		cfg.Database.DSN = rootFlags.dbDSN
	}
	if changed("debug") {
		cfg.Debug = rootFlags.debug
	}
	if changed("log-mode") || cfg.LogMode == "" {
		cfg.LogMode = rootFlags.logMode
	}
	cfg.Database.Debug = cfg.Debug
}

func applyDefaults(cfg *cistatus.FileConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = defaultParallel
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = "ci-status"
	}
}

// app bundles what every command needs.
type app struct {
	cfg   *cistatus.FileConfig
	log   *logger.Logger
	store *cistatus.Store
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	db, err := cistatus.OpenDB(cfg.Database)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open db: %w", err)
	}
	return &app{cfg: cfg, log: log, store: cistatus.NewStore(db)}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close db", "error", err)
	}
	a.log.Sync()
}
