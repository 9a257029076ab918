package config

// Config is the root of the herald config file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "24h"). Empty or
// zero durations fall back to the documented default at the point of use.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Platform     PlatformConfig     `json:"platform"`
	Storage      StorageConfig      `json:"storage"`
	Transport    TransportConfig    `json:"transport"`
	Redis        RedisConfig        `json:"redis"`
	Throttle     ThrottleConfig     `json:"throttle"`
	Lock         LockConfig         `json:"lock"`
	Engine       EngineConfig       `json:"engine"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Conversation ConversationConfig `json:"conversation"`
	Sender       SenderConfig       `json:"sender"`
	Aggregator   AggregatorConfig   `json:"aggregator"`
	StatusFeed   StatusFeedConfig   `json:"statusfeed"`
	Ops          OpsConfig          `json:"ops"`
}

type LoggingConfig struct {
	Level   string       `json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingAlert forwards high-severity log lines to an operator chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id" validate:"required_if=Enabled true"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// PlatformConfig holds the two bot identities. Tokens are normally supplied
// through HERALD_USER_BOT_TOKEN and HERALD_AUTHOR_BOT_TOKEN.
type PlatformConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=telegram none"`
	UserToken   string `json:"user_token,omitempty"`
	AuthorToken string `json:"author_token,omitempty"`
	APIURL      string `json:"api_url,omitempty" validate:"omitempty,url"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/herald.db" }
type StorageConfig struct {
	Driver          string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql"`
	Path            string `json:"path,omitempty"`
	DSN             string `json:"dsn,omitempty"`
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	MaxOpenConns    int    `json:"max_open_conns,omitempty" validate:"gte=0"`
	MaxIdleConns    int    `json:"max_idle_conns,omitempty" validate:"gte=0"`
	ConnMaxLifetime string `json:"conn_max_lifetime,omitempty"`
}

// TransportConfig selects the message transport.
//
// Defaults:
//   - driver: "memory"
//   - max_deliveries: 5
//   - retry_delay: "5s"
//   - prefetch: 32
type TransportConfig struct {
	Driver        string `json:"driver" validate:"omitempty,oneof=memory rabbitmq"`
	URL           string `json:"url,omitempty"`
	Prefetch      int    `json:"prefetch,omitempty" validate:"gte=0"`
	MaxDeliveries int    `json:"max_deliveries,omitempty" validate:"gte=0"`
	RetryDelay    string `json:"retry_delay,omitempty"`
	QueuePrefix   string `json:"queue_prefix,omitempty"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty" validate:"required_if=Enabled true"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"gte=0"`
}

type ThrottleConfig struct {
	Backend     string `json:"backend,omitempty" validate:"omitempty,oneof=store redis"`
	Key         string `json:"key,omitempty"`
	ReadTimeout string `json:"read_timeout,omitempty"`
}

type LockConfig struct {
	Backend string `json:"backend,omitempty" validate:"omitempty,oneof=store redis"`
	TTL     string `json:"ttl,omitempty"`
}

// EngineConfig sizes the in-process task engine.
//
// Defaults: workers 8, queue_size 1024, retry_max 3, history_size 200.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty" validate:"gte=0"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
}

type OrchestratorConfig struct {
	ResolveBatchSize  int    `json:"resolve_batch_size,omitempty" validate:"gte=0"`
	FanoutConcurrency int    `json:"fanout_concurrency,omitempty" validate:"gte=0"`
	StepRetryMax      int    `json:"step_retry_max,omitempty" validate:"gte=0"`
	StepRetryBase     string `json:"step_retry_base,omitempty"`
	StepRetryMaxDelay string `json:"step_retry_max_delay,omitempty"`
	ResumeEvery       string `json:"resume_every,omitempty"`
}

type ConversationConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty" validate:"gte=0"`
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}

type SenderConfig struct {
	Workers     int    `json:"workers,omitempty" validate:"gte=0"`
	RatePerSec  int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst       int    `json:"burst,omitempty" validate:"gte=0"`
	MaxAttempts int    `json:"max_attempts,omitempty" validate:"gte=0"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type AggregatorConfig struct {
	Workers            int    `json:"workers,omitempty" validate:"gte=0"`
	ForceCompleteAfter string `json:"force_complete_after,omitempty"`
	SweepSchedule      string `json:"sweep_schedule,omitempty"`
}

type StatusFeedConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty" validate:"required_if=Enabled true"`
	Topic   string   `json:"topic,omitempty"`
}

// OpsConfig controls the operator HTTP API.
//
// Prefer a loopback address; a non-loopback bind requires a token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
