package app

import (
	"time"

	"herald/internal/config"
	"herald/internal/notifier/conversation"
	"herald/internal/notifier/orchestrator"
	"herald/internal/notifier/sender"
	"herald/internal/platform/telegram"
	"herald/internal/storage"
	"herald/internal/task/engine"
	"herald/internal/transport/rabbitmq"
	logx "herald/pkg/logx"
)

// The map* helpers turn file sections into component configs. Durations were
// validated on load; errors here only surface for configs built in code.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert:   logx.AlertConfig{Enabled: l.Alert.Enabled, MinLevel: l.Alert.MinLevel, RatePerSec: l.Alert.RatePerSec},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	var d config.Durations
	out := storage.Config{
		Driver:          s.Driver,
		Path:            s.Path,
		DSN:             s.DSN,
		BusyTimeout:     d.Get("storage.busy_timeout", s.BusyTimeout, 0),
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: d.Get("storage.conn_max_lifetime", s.ConnMaxLifetime, 0),
	}
	return out, d.Err()
}

func mapPlatformConfig(cfg *config.Config) (telegram.Config, error) {
	p := cfg.Platform
	var d config.Durations
	out := telegram.Config{
		UserToken:   p.UserToken,
		AuthorToken: p.AuthorToken,
		APIURL:      p.APIURL,
		PollTimeout: d.Get("platform.poll_timeout", p.PollTimeout, 0),
		SendTimeout: d.Get("platform.send_timeout", p.SendTimeout, 0),
	}
	return out, d.Err()
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	var d config.Durations
	out := engine.Config{
		Workers:        e.Workers,
		QueueSize:      e.QueueSize,
		DefaultTimeout: d.Get("engine.default_timeout", e.DefaultTimeout, 30*time.Second),
		HistorySize:    e.HistorySize,
		RetryMax:       e.RetryMax,
	}
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 1024
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 200
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 3
	}
	return out, d.Err()
}

func mapRabbitConfig(cfg *config.Config) (rabbitmq.Config, error) {
	t := cfg.Transport
	var d config.Durations
	out := rabbitmq.Config{
		URL:        t.URL,
		Prefix:     t.QueuePrefix,
		Prefetch:   t.Prefetch,
		RetryDelay: d.Get("transport.retry_delay", t.RetryDelay, 5*time.Second),
	}
	if out.Prefetch <= 0 {
		out.Prefetch = 32
	}
	return out, d.Err()
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	o := cfg.Orchestrator
	var d config.Durations
	out := orchestrator.Config{
		FanoutConcurrency:  o.FanoutConcurrency,
		StepRetryMax:       o.StepRetryMax,
		StepRetryBase:      d.Get("orchestrator.step_retry_base", o.StepRetryBase, 0),
		StepRetryMaxDelay:  d.Get("orchestrator.step_retry_max_delay", o.StepRetryMaxDelay, 0),
		LeaseTTL:           d.Get("lock.ttl", cfg.Lock.TTL, 0),
		ForceCompleteAfter: d.Get("aggregator.force_complete_after", cfg.Aggregator.ForceCompleteAfter, 24*time.Hour),
	}
	return out, d.Err()
}

func mapConversationConfig(cfg *config.Config) (conversation.Config, error) {
	c := cfg.Conversation
	var d config.Durations
	out := conversation.Config{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   d.Get("conversation.base_delay", c.BaseDelay, 0),
		MaxDelay:    d.Get("conversation.max_delay", c.MaxDelay, 0),
		Concurrency: cfg.Orchestrator.FanoutConcurrency,
	}
	return out, d.Err()
}

func mapSenderConfig(cfg *config.Config) (sender.Config, error) {
	s := cfg.Sender
	var d config.Durations
	out := sender.Config{
		MaxAttempts: s.MaxAttempts,
		RatePerSec:  s.RatePerSec,
		Burst:       s.Burst,
		SendTimeout: d.Get("sender.send_timeout", s.SendTimeout, 0),
	}
	return out, d.Err()
}
