package app

import (
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/maintenance"
	"relaybot/internal/observability/ops"
	"relaybot/internal/relay"
	"relaybot/internal/storage"
	adapter "relaybot/internal/transport/telegram/adapter"
	logx "relaybot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapAdapterConfig(cfg *config.Config) (adapter.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return adapter.Config{}, err
	}
	api, err := config.ParseDurationField("telegram.api_timeout", cfg.Telegram.APITimeout)
	if err != nil {
		return adapter.Config{}, err
	}
	return adapter.Config{Token: cfg.Telegram.Token, PollTimeout: poll, APITimeout: api}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		URI:         strings.TrimSpace(sc.URI),
		Database:    strings.TrimSpace(sc.Database),
	}, nil
}

func mapRelayPolicy(cfg *config.Config) (relay.Policy, error) {
	timeout, err := config.ParseDurationField("relay.call_timeout", cfg.Relay.CallTimeout)
	if err != nil {
		return relay.Policy{}, err
	}
	return relay.Policy{
		Mode:        strings.ToLower(strings.TrimSpace(cfg.Relay.Mode)),
		CallTimeout: timeout,
		Concurrency: cfg.Relay.Concurrency,
	}, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Addr:  strings.TrimSpace(cfg.Ops.Addr),
		Token: cfg.Ops.Token,
		Pprof: cfg.Ops.Pprof,
	}
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	retention, err := config.ParseDurationField("storage.audit_retention", cfg.Storage.AuditRetention)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		PruneCron: strings.TrimSpace(cfg.Maintenance.PruneCron),
		Timezone:  strings.TrimSpace(cfg.Maintenance.Timezone),
		Retention: retention,
	}, nil
}
