package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/pflag"

	"tikfetch/pkg/auth"
	"tikfetch/pkg/config"
	"tikfetch/pkg/history"
	"tikfetch/pkg/logger"
	"tikfetch/pkg/pipeline"
	"tikfetch/pkg/queue"
	"tikfetch/pkg/storage"
	"tikfetch/pkg/tiktok"
)

// app holds everything a download command needs
type app struct {
	cfg      *config.Config
	log      logger.Logger
	client   *tiktok.Client
	recorder history.Recorder
	orch     *pipeline.Orchestrator
}

// changedFlags collects the flags the user set, keyed the way
// config.MergeCommandLineFlags expects
func changedFlags(fs *pflag.FlagSet) map[string]interface{} {
	flags := make(map[string]interface{})
	fs.Visit(func(f *pflag.Flag) {
		switch f.Value.Type() {
		case "int":
			v, _ := fs.GetInt(f.Name)
			flags[f.Name] = v
		case "duration":
			v, _ := fs.GetDuration(f.Name)
			flags[f.Name] = v
		case "bool":
			v, _ := fs.GetBool(f.Name)
			flags[f.Name] = v
		default:
			flags[f.Name] = f.Value.String()
		}
	})
	return flags
}

func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	flags := changedFlags(fs)
	if logLevel != "" {
		flags["log-level"] = logLevel
	}
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// loadProfile returns the configured session profile. A missing default
// profile is not an error; requests then run without a session cookie.
func loadProfile(cfg *config.Config, log logger.Logger) (*auth.Profile, error) {
	manager, err := auth.NewManager(log)
	if err != nil {
		return nil, err
	}

	if cfg.Extractor.Profile != "" {
		return manager.Load(cfg.Extractor.Profile)
	}

	profile, err := manager.RetrieveDefault()
	if errors.Is(err, auth.ErrProfileNotFound) {
		return nil, nil
	}
	return profile, err
}

func newApp(ctx context.Context, fs *pflag.FlagSet, skipExisting bool) (*app, error) {
	cfg, err := loadConfig(fs)
	if err != nil {
		return nil, err
	}
	log := logger.GetLogger()

	profile, err := loadProfile(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	var cookies []*http.Cookie
	if profile != nil {
		cookies = profile.Cookies()
		if profile.UserAgent != "" {
			cfg.Extractor.UserAgent = profile.UserAgent
		}
		log.WithField("profile", profile.Name).Info("Using stored session")
	}

	client, err := tiktok.NewClientFromConfig(cfg, cookies, log)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewManager(cfg.Download.OutputDir)
	if err != nil {
		client.Close()
		return nil, err
	}

	recorder, err := history.FromConfig(ctx, cfg.History, log)
	if err != nil {
		client.Close()
		return nil, err
	}

	orch, err := pipeline.New(pipeline.Options{
		Client:       client,
		Queue:        queue.New(cfg.Queue.MaxUserQueueSize, log),
		Sink:         &pipeline.StorageSink{Storage: store, SaveMetadata: cfg.Download.SaveMetadata},
		Recorder:     recorder,
		Retry:        tiktok.RetryOptionsFromConfig(cfg.Retry),
		Workers:      cfg.Download.Workers,
		ImageLimit:   cfg.Download.ImageLimit,
		SkipExisting: skipExisting,
		Logger:       log,
	})
	if err != nil {
		client.Close()
		_ = recorder.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, client: client, recorder: recorder, orch: orch}, nil
}

func (a *app) Close() {
	if err := a.recorder.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to close history recorder")
	}
	a.client.Close()
}
