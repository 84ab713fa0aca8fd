package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	RelayModeForward = "forward"
	RelayModeCopy    = "copy"
)

var storageDrivers = map[string]bool{"": true, "sqlite": true, "file": true, "memory": true, "mongo": true}

// Validate checks the parts of the config that can be checked without I/O.
// All problems are reported at once.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add("telegram.token is required (or set %s)", EnvBotToken)
	}
	for _, id := range c.Telegram.OwnerUserIDs {
		if id <= 0 {
			add("telegram.owner_user_ids: invalid user id %d", id)
		}
	}
	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.api_timeout", c.Telegram.APITimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.audit_retention", c.Storage.AuditRetention},
		{"relay.call_timeout", c.Relay.CallTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if !storageDrivers[driver] {
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if driver == "mongo" && strings.TrimSpace(c.Storage.URI) == "" {
		add("storage.uri is required for the mongo driver (or set %s)", EnvMongoURI)
	}

	switch strings.ToLower(strings.TrimSpace(c.Relay.Mode)) {
	case "", RelayModeForward, RelayModeCopy:
	default:
		add("relay.mode: must be %q or %q", RelayModeForward, RelayModeCopy)
	}
	if c.Relay.Concurrency < 0 {
		add("relay.concurrency must be >= 0")
	}
	if c.ActionLog.QueueSize < 0 {
		add("action_log.queue_size must be >= 0")
	}
	if len(c.ActionLog.Kafka.Brokers) > 0 && strings.TrimSpace(c.ActionLog.Kafka.Topic) == "" {
		add("action_log.kafka.topic is required when brokers are set")
	}
	if tz := strings.TrimSpace(c.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("maintenance.timezone: %v", err)
		}
	}
	return errs
}
