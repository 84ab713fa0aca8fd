package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over the config file so secrets can stay
// out of it.
const (
	EnvBotToken      = "BOT_TOKEN"
	EnvOwnerIDs      = "OWNER_IDS"
	EnvOwnerID       = "OWNER_ID"
	EnvLogChatID     = "LOG_CHAT_ID"
	EnvLogLevel      = "LOG_LEVEL"
	EnvStorageDriver = "STORAGE_DRIVER"
	EnvStoragePath   = "STORAGE_PATH"
	EnvMongoURI      = "MONGODB_URI"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment values onto cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvBotToken); ok {
		cfg.Telegram.Token = v
	}
	owners, ok := get(EnvOwnerIDs)
	if !ok {
		owners, ok = get(EnvOwnerID)
	}
	if ok {
		ids, err := ParseIDList(owners)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvOwnerIDs, err)
		}
		cfg.Telegram.OwnerUserIDs = ids
	}
	if v, ok := get(EnvLogChatID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q", EnvLogChatID, v)
		}
		cfg.Telegram.LogChatID = id
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvStorageDriver); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := get(EnvStoragePath); ok {
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvMongoURI); ok {
		cfg.Storage.URI = v
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "mongo"
		}
	}
	return nil
}

// ParseIDList parses "1, 2;3" style id lists.
func ParseIDList(s string) ([]int64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == ' ' })
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", f)
		}
		out = append(out, id)
	}
	return out, nil
}
