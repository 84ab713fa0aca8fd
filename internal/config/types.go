package config

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Relay       RelayConfig       `json:"relay"`
	ActionLog   ActionLogConfig   `json:"action_log"`
	Ops         OpsConfig         `json:"ops"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type TelegramConfig struct {
	// Token is the primary instance credential. BOT_TOKEN overrides it.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives WARN+ log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout and APITimeout are Go duration strings (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	APITimeout  string `json:"api_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the rule store.
//
// Driver values: "sqlite" (default), "file", "memory", "mongo".
//
//	"storage": { "driver": "sqlite", "path": "./data/relaybot.db" }
//	"storage": { "driver": "mongo", "uri": "mongodb://localhost:27017", "database": "relaybot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	URI         string `json:"uri,omitempty"`          // mongo
	Database    string `json:"database,omitempty"`     // mongo
	// AuditRetention bounds how long action log entries are kept ("720h" or "30d").
	// Empty or "0s" keeps them forever.
	AuditRetention string `json:"audit_retention,omitempty"`
}

// RelayConfig tunes message dispatch. Hot-reloadable.
type RelayConfig struct {
	// Mode is "forward" (default, keeps the origin header) or "copy".
	Mode string `json:"mode,omitempty"`
	// CallTimeout bounds each forward/copy/send call (default "10s").
	CallTimeout string `json:"call_timeout,omitempty"`
	// Concurrency is the number of destinations attempted in parallel
	// for one message. 1 (default) attempts them strictly in order.
	Concurrency int `json:"concurrency,omitempty"`
}

type ActionLogConfig struct {
	// ChatID mirrors every action log entry to a Telegram chat.
	ChatID    int64           `json:"chat_id,omitempty"`
	QueueSize int             `json:"queue_size,omitempty"`
	Kafka     KafkaSinkConfig `json:"kafka,omitempty"`
}

type KafkaSinkConfig struct {
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

// OpsConfig controls the operational HTTP server (/healthz, /metrics, pprof).
//
// Prefer binding to localhost. Token, when set, is required as a bearer token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9090"
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

type MaintenanceConfig struct {
	// PruneCron schedules action log pruning (default "@daily").
	PruneCron string `json:"prune_cron,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}
