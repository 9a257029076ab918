package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Environment variables that override file values. Secrets belong here.
const (
	EnvUserBotToken   = "HERALD_USER_BOT_TOKEN"
	EnvAuthorBotToken = "HERALD_AUTHOR_BOT_TOKEN"
	EnvPostgresDSN    = "HERALD_POSTGRES_DSN"
	EnvAMQPURL        = "HERALD_AMQP_URL"
	EnvRedisAddr      = "HERALD_REDIS_ADDR"
	EnvRedisPassword  = "HERALD_REDIS_PASSWORD"
	EnvKafkaBrokers   = "HERALD_KAFKA_BROKERS"
	EnvOpsToken       = "HERALD_OPS_TOKEN"
)

// ApplyEnv copies non-empty environment overrides into cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Platform.UserToken, EnvUserBotToken)
	set(&cfg.Platform.AuthorToken, EnvAuthorBotToken)
	set(&cfg.Storage.DSN, EnvPostgresDSN)
	set(&cfg.Transport.URL, EnvAMQPURL)
	set(&cfg.Redis.Password, EnvRedisPassword)
	set(&cfg.Ops.Token, EnvOpsToken)
	if v := strings.TrimSpace(getenv(EnvRedisAddr)); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := strings.TrimSpace(getenv(EnvKafkaBrokers)); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.StatusFeed.Brokers = brokers
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	var durs Durations
	for path, raw := range durationFields(cfg) {
		durs.Get(path, raw, 0)
	}
	var errs []error
	if err := durs.Err(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvPostgresDSN))
		}
	default:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	}

	if cfg.Transport.Driver == "rabbitmq" && strings.TrimSpace(cfg.Transport.URL) == "" {
		errs = append(errs, fmt.Errorf("transport.url: required for rabbitmq (or set %s)", EnvAMQPURL))
	}
	if (cfg.Throttle.Backend == "redis" || cfg.Lock.Backend == "redis") && !cfg.Redis.Enabled {
		errs = append(errs, errors.New("redis: must be enabled when throttle or lock backend is redis"))
	}
	if cfg.Platform.Driver != "none" {
		if strings.TrimSpace(cfg.Platform.UserToken) == "" {
			errs = append(errs, fmt.Errorf("platform.user_token: required (or set %s)", EnvUserBotToken))
		}
		if strings.TrimSpace(cfg.Platform.AuthorToken) == "" {
			errs = append(errs, fmt.Errorf("platform.author_token: required (or set %s)", EnvAuthorBotToken))
		}
	}
	if cfg.Ops.Enabled && strings.TrimSpace(cfg.Ops.Token) == "" && !isLoopback(cfg.Ops.Addr) {
		errs = append(errs, errors.New("ops.token: required when ops.addr is not loopback"))
	}
	return errors.Join(errs...)
}

func durationFields(cfg *Config) map[string]string {
	return map[string]string{
		"platform.poll_timeout":             cfg.Platform.PollTimeout,
		"platform.send_timeout":             cfg.Platform.SendTimeout,
		"storage.busy_timeout":              cfg.Storage.BusyTimeout,
		"storage.conn_max_lifetime":         cfg.Storage.ConnMaxLifetime,
		"transport.retry_delay":             cfg.Transport.RetryDelay,
		"throttle.read_timeout":             cfg.Throttle.ReadTimeout,
		"lock.ttl":                          cfg.Lock.TTL,
		"engine.default_timeout":            cfg.Engine.DefaultTimeout,
		"orchestrator.step_retry_base":      cfg.Orchestrator.StepRetryBase,
		"orchestrator.step_retry_max_delay": cfg.Orchestrator.StepRetryMaxDelay,
		"orchestrator.resume_every":         cfg.Orchestrator.ResumeEvery,
		"conversation.base_delay":           cfg.Conversation.BaseDelay,
		"conversation.max_delay":            cfg.Conversation.MaxDelay,
		"sender.send_timeout":               cfg.Sender.SendTimeout,
		"aggregator.force_complete_after":   cfg.Aggregator.ForceCompleteAfter,
	}
}

// isLoopback reports whether addr binds only to a loopback interface. An
// empty address means the default loopback bind.
func isLoopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
