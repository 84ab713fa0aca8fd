package config

import (
	"reflect"
	"strings"

	logx "relaybot/pkg/logx"
)

// Restart-only sections: a reload that touches them is applied to the
// running process only in part and a warning is logged.
var restartOnly = map[string]bool{"telegram.token": true, "storage": true, "ops": true, "maintenance": true, "action_log": true}

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram.token")
	}
	if !reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.APITimeout) != strings.TrimSpace(newCfg.Telegram.APITimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.mode", newCfg.Relay.Mode),
			logx.String("relay.call_timeout", newCfg.Relay.CallTimeout),
			logx.Int("relay.concurrency", newCfg.Relay.Concurrency),
		)
	}
	if !reflect.DeepEqual(oldCfg.ActionLog, newCfg.ActionLog) {
		changed = append(changed, "action_log")
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs, logx.Bool("ops.enabled", newCfg.Ops.Enabled), logx.Bool("ops.token_set", newCfg.Ops.Token != ""))
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
	}
	return changed, attrs
}

// RequiresRestart reports which of the changed sections only take effect
// after a restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		if restartOnly[c] {
			out = append(out, c)
		}
	}
	return out
}
