package config

import (
	"reflect"
	"sort"
	"strings"

	logx "herald/pkg/logx"
)

// SummarizeChange lists the sections that differ and returns log attrs for
// them. Secrets (tokens, passwords, DSNs, URLs) are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, o, n any, fields ...logx.Field) {
		if reflect.DeepEqual(o, n) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
	)
	section("platform", oldCfg.Platform, newCfg.Platform,
		logx.String("platform.driver", newCfg.Platform.Driver),
		logx.Bool("platform.user_token_set", set(newCfg.Platform.UserToken)),
		logx.Bool("platform.author_token_set", set(newCfg.Platform.AuthorToken)),
		logx.String("platform.send_timeout", newCfg.Platform.SendTimeout),
	)
	section("storage", oldCfg.Storage, newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
		logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
	)
	section("transport", oldCfg.Transport, newCfg.Transport,
		logx.String("transport.driver", newCfg.Transport.Driver),
		logx.Bool("transport.url_set", set(newCfg.Transport.URL)),
		logx.Int("transport.max_deliveries", newCfg.Transport.MaxDeliveries),
	)
	section("redis", oldCfg.Redis, newCfg.Redis,
		logx.Bool("redis.enabled", newCfg.Redis.Enabled),
		logx.String("redis.addr", newCfg.Redis.Addr),
	)
	section("throttle", oldCfg.Throttle, newCfg.Throttle,
		logx.String("throttle.backend", newCfg.Throttle.Backend),
		logx.String("throttle.read_timeout", newCfg.Throttle.ReadTimeout),
	)
	section("lock", oldCfg.Lock, newCfg.Lock,
		logx.String("lock.backend", newCfg.Lock.Backend),
		logx.String("lock.ttl", newCfg.Lock.TTL),
	)
	section("engine", oldCfg.Engine, newCfg.Engine,
		logx.Int("engine.workers", newCfg.Engine.Workers),
		logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
	)
	section("orchestrator", oldCfg.Orchestrator, newCfg.Orchestrator,
		logx.Int("orchestrator.resolve_batch_size", newCfg.Orchestrator.ResolveBatchSize),
		logx.Int("orchestrator.fanout_concurrency", newCfg.Orchestrator.FanoutConcurrency),
	)
	section("conversation", oldCfg.Conversation, newCfg.Conversation,
		logx.Int("conversation.max_attempts", newCfg.Conversation.MaxAttempts),
	)
	section("sender", oldCfg.Sender, newCfg.Sender,
		logx.Int("sender.workers", newCfg.Sender.Workers),
		logx.Int("sender.rate_per_sec", newCfg.Sender.RatePerSec),
		logx.Int("sender.max_attempts", newCfg.Sender.MaxAttempts),
	)
	section("aggregator", oldCfg.Aggregator, newCfg.Aggregator,
		logx.String("aggregator.force_complete_after", newCfg.Aggregator.ForceCompleteAfter),
		logx.String("aggregator.sweep_schedule", newCfg.Aggregator.SweepSchedule),
	)
	section("statusfeed", oldCfg.StatusFeed, newCfg.StatusFeed,
		logx.Bool("statusfeed.enabled", newCfg.StatusFeed.Enabled),
		logx.Int("statusfeed.broker_count", len(newCfg.StatusFeed.Brokers)),
	)
	section("ops", oldCfg.Ops, newCfg.Ops,
		logx.Bool("ops.enabled", newCfg.Ops.Enabled),
		logx.String("ops.addr", newCfg.Ops.Addr),
		logx.Bool("ops.token_set", set(newCfg.Ops.Token)),
	)

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired returns the changed sections that are only read at startup.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		out = append(out, "transport")
	}
	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		out = append(out, "redis")
	}
	if !reflect.DeepEqual(oldCfg.Platform, newCfg.Platform) {
		out = append(out, "platform")
	}
	if !reflect.DeepEqual(oldCfg.Throttle, newCfg.Throttle) || !reflect.DeepEqual(oldCfg.Lock, newCfg.Lock) {
		out = append(out, "backends")
	}
	for _, sec := range []struct {
		name     string
		old, new any
	}{
		{"engine", oldCfg.Engine, newCfg.Engine},
		{"orchestrator", oldCfg.Orchestrator, newCfg.Orchestrator},
		{"conversation", oldCfg.Conversation, newCfg.Conversation},
		{"aggregator", oldCfg.Aggregator, newCfg.Aggregator},
		{"statusfeed", oldCfg.StatusFeed, newCfg.StatusFeed},
		{"ops", oldCfg.Ops, newCfg.Ops},
	} {
		if !reflect.DeepEqual(sec.old, sec.new) {
			out = append(out, sec.name)
		}
	}
	return out
}

func set(s string) bool { return strings.TrimSpace(s) != "" }
