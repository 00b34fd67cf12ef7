package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alekspetrov/conveyor/internal/adapters/github"
	"github.com/alekspetrov/conveyor/internal/agent"
	"github.com/alekspetrov/conveyor/internal/autopilot"
	"github.com/alekspetrov/conveyor/internal/config"
	"github.com/alekspetrov/conveyor/internal/logging"
)

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// loadConfig reads and validates the configuration and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath(), err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

// runtime holds the assembled loop and everything that must be closed with it.
type runtime struct {
	cfg        *config.Config
	controller *autopilot.Controller
	ledger     *autopilot.StateStore
	closers    []func() error
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	gh, err := github.NewClient(cfg.GitHub.Token, cfg.GitHub.Repo, github.WithBaseURL(cfg.GitHub.BaseURL))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	ledger, err := autopilot.NewStateStoreFromPath(cfg.State.Path)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, ledger: ledger}
	rt.closers = append(rt.closers, ledger.Close)

	var locker autopilot.Locker
	switch cfg.Lock.Backend {
	case config.LockBackendRedis:
		rl, err := autopilot.NewRedisLockerFromURL(cfg.Lock.RedisURL, cfg.Lock.TTL)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, rl.Close)
		locker = rl
	default:
		locker = autopilot.NewLocalLocker()
	}

	var tracker autopilot.TrackingDoc
	if cfg.Autopilot.TrackingDoc != "" {
		tracker = autopilot.NewMarkdownTracker(cfg.Autopilot.TrackingDoc)
	}

	rt.controller = autopilot.NewController(
		cfg.Autopilot,
		autopilot.NewGitHubTaskStore(gh),
		agent.NewClient(*cfg.Agent),
		autopilot.NewGitHubCIValidator(gh, cfg.Autopilot.RequiredChecks, cfg.Autopilot.ExcludeChecks),
		ledger,
		locker,
		tracker,
	)

	logging.WithComponent("conveyor").Debug("Runtime assembled",
		slog.String("repo", cfg.GitHub.Repo),
		slog.String("state", cfg.State.Path),
		slog.String("lock", cfg.Lock.Backend),
	)
	return rt, nil
}

// Close stops background watchers and releases resources in reverse order.
func (r *runtime) Close() error {
	if r.controller != nil {
		r.controller.Close()
	}
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
