package main

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/cafeyard/internal/alert"
	"github.com/zulandar/cafeyard/internal/alert/discord"
	"github.com/zulandar/cafeyard/internal/alert/slack"
	"github.com/zulandar/cafeyard/internal/apiclient"
	"github.com/zulandar/cafeyard/internal/config"
	"github.com/zulandar/cafeyard/internal/content"
	"github.com/zulandar/cafeyard/internal/db"
	"github.com/zulandar/cafeyard/internal/logging"
	"github.com/zulandar/cafeyard/internal/metrics"
	"github.com/zulandar/cafeyard/internal/platform/bridge"
	"github.com/zulandar/cafeyard/internal/session"
	"gorm.io/gorm"
)

// connectFromConfig loads the config file and opens the configured database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, gormDB, nil
}

// newLogger builds the process logger from config, writing to out.
func newLogger(cfg *config.Config, out io.Writer) (*logrus.Logger, error) {
	return logging.New(cfg.Log, out)
}

// newContent returns the content service client, or the built-in templates
// when no content service is configured.
func newContent(cfg *config.Config) (content.Generator, error) {
	if cfg.Content.BaseURL == "" {
		return content.NewTemplates(), nil
	}
	api, err := apiclient.New(cfg.Content)
	if err != nil {
		return nil, fmt.Errorf("content service: %w", err)
	}
	return content.NewClient(api), nil
}

// newSessions builds the platform client and the session manager over it.
func newSessions(cfg *config.Config, gormDB *gorm.DB, rec metrics.Recorder, log *logrus.Logger) (*bridge.Client, *session.Manager, error) {
	api, err := apiclient.New(cfg.Bridge)
	if err != nil {
		return nil, nil, fmt.Errorf("platform bridge: %w", err)
	}
	client := bridge.New(api)

	hashKey, blockKey, err := sessionKeys(cfg.Session)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := session.NewManager(gormDB, client, session.Options{
		HashKey:  hashKey,
		BlockKey: blockKey,
		Metrics:  rec,
		Log:      logging.Component(log, "session"),
	})
	if err != nil {
		return nil, nil, err
	}
	return client, mgr, nil
}

// sessionKeys decodes the base64 session keys from config.
func sessionKeys(sc config.SessionConfig) (hashKey, blockKey []byte, err error) {
	if sc.HashKey != "" {
		if hashKey, err = base64.StdEncoding.DecodeString(sc.HashKey); err != nil {
			return nil, nil, fmt.Errorf("session.hash_key: %w", err)
		}
	}
	if sc.BlockKey != "" {
		if blockKey, err = base64.StdEncoding.DecodeString(sc.BlockKey); err != nil {
			return nil, nil, fmt.Errorf("session.block_key: %w", err)
		}
	}
	return hashKey, blockKey, nil
}

// newMetrics creates a registry carrying the job collector and the queue
// depth collector.
func newMetrics(gormDB *gorm.DB) (*prometheus.Registry, *metrics.Collector, error) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewCollector(reg)
	if err := reg.Register(metrics.NewQueueCollector(gormDB)); err != nil {
		return nil, nil, fmt.Errorf("register queue collector: %w", err)
	}
	return reg, rec, nil
}

// newNotifier fans alerts out to every configured channel. With none
// configured alerts are only logged.
func newNotifier(cfg *config.Config, log *logrus.Logger) (alert.Notifier, error) {
	var out alert.Multi
	if d := cfg.Alerts.Discord; d.BotToken != "" {
		n, err := discord.New(discord.Opts{
			BotToken:  d.BotToken,
			ChannelID: d.ChannelID,
			Log:       logging.Component(log, "discord"),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if s := cfg.Alerts.Slack; s.BotToken != "" {
		n, err := slack.New(slack.Opts{BotToken: s.BotToken, ChannelID: s.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return logNotifier{log: logging.Component(log, "alert")}, nil
	}
	return out, nil
}
