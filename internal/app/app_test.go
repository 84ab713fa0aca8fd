package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/config"
	"relaybot/internal/relay"
	"relaybot/internal/transport"
)

type fakeBot struct {
	ident transport.BotIdentity

	mu      sync.Mutex
	out     chan<- transport.Update
	stopped bool
	texts   []string
	copies  []int64
	fwds    []int64
}

func (f *fakeBot) Identity() transport.BotIdentity { return f.ident }

func (f *fakeBot) Start(ctx context.Context, out chan<- transport.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = out
	return nil
}

func (f *fakeBot) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeBot) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeBot) Forward(ctx context.Context, to transport.ChatTarget, from transport.MessageRef) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fwds = append(f.fwds, to.ChatID)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeBot) Copy(ctx context.Context, to transport.ChatTarget, from transport.MessageRef) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, to.ChatID)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeBot) ChatInfo(ctx context.Context, ref string) (transport.ChatInfo, error) {
	if ref == "-200" {
		return transport.ChatInfo{ID: -200, Type: "channel"}, nil
	}
	return transport.ChatInfo{}, transport.ErrChatNotFound
}

func (f *fakeBot) push(t *testing.T, msg *transport.Message) {
	t.Helper()
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	require.NotNil(t, out, "adapter not started")
	select {
	case out <- transport.Update{Kind: transport.UpdateMessage, Message: msg}:
	case <-time.After(2 * time.Second):
		t.Fatal("update not consumed")
	}
}

func (f *fakeBot) snapshot() (texts []string, copies, fwds []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), append([]int64(nil), f.copies...), append([]int64(nil), f.fwds...)
}

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, token string) (transport.BotIdentity, error) {
	return transport.BotIdentity{}, assert.AnError
}

const baseConfig = `
telegram:
  token: "1:primary"
  owner_user_ids: [42]
logging:
  level: error
storage:
  driver: memory
relay:
  mode: copy
`

func noEnv(string) (string, bool) { return "", false }

func newTestApp(t *testing.T, cfg string) (*App, *fakeBot, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	bot := &fakeBot{ident: transport.BotIdentity{ID: 1, Username: "relay_bot"}}
	factory := func(ctx context.Context, token string) (transport.Adapter, error) {
		if token != "1:primary" {
			return nil, assert.AnError
		}
		return bot, nil
	}
	a, err := New(context.Background(), path, WithTransport(factory, fakeProber{}), WithEnvLookup(noEnv))
	require.NoError(t, err)
	return a, bot, path
}

func TestAppRelaysEndToEnd(t *testing.T) {
	a, bot, _ := newTestApp(t, baseConfig)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background(), StopAppStop)

	bot.push(t, &transport.Message{ID: 1, ChatID: -100, ChatType: "group", FromID: 7, Text: "/setforward -200"})
	require.Eventually(t, func() bool {
		texts, _, _ := bot.snapshot()
		return len(texts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	texts, _, _ := bot.snapshot()
	assert.Equal(t, "✅ Forwarding -100 → -200", texts[0])

	bot.push(t, &transport.Message{ID: 2, ChatID: -100, ChatType: "group", FromID: 7, Text: "hello"})
	require.Eventually(t, func() bool {
		_, copies, _ := bot.snapshot()
		return len(copies) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, copies, fwds := bot.snapshot()
	assert.Equal(t, []int64{-200}, copies)
	assert.Empty(t, fwds)

	// one command and one forward
	require.Eventually(t, func() bool {
		n, err := a.store.CountAudit(context.Background(), time.Time{})
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	state, ok := a.health()
	assert.True(t, ok)
	assert.Len(t, state.(healthState).Instances, 1)
}

func TestAppHotReload(t *testing.T) {
	a, _, path := newTestApp(t, baseConfig)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background(), StopAppStop)

	assert.False(t, a.owners.Contains(99))
	assert.Equal(t, relay.ModeCopy, a.policy.Get().Mode)

	updated := strings.Replace(baseConfig, "[42]", "[42, 99]", 1)
	updated = strings.Replace(updated, "mode: copy", "mode: forward\n  call_timeout: 3s", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	_, err := a.cfgm.Reload(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.owners.Contains(99) && a.policy.Get().Mode == relay.ModeForward
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3*time.Second, a.policy.Get().CallTimeout)
}

func TestAppRejectsInvalidReload(t *testing.T) {
	a, _, path := newTestApp(t, baseConfig)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background(), StopAppStop)

	bad := strings.Replace(baseConfig, "mode: copy", "mode: copy\n  call_timeout: soon", 1)
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))
	_, err := a.cfgm.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, relay.ModeCopy, a.policy.Get().Mode)
}

func TestAppPrimaryFailureFailsStart(t *testing.T) {
	cfg := strings.Replace(baseConfig, "1:primary", "9:revoked", 1)
	a, _, _ := newTestApp(t, cfg)
	require.Error(t, a.Start(context.Background()))
	require.NoError(t, a.Stop(context.Background(), StopFatalError))
}

func TestAppStopIsIdempotent(t *testing.T) {
	a, bot, _ := newTestApp(t, baseConfig)
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.Stop(context.Background(), StopSIGTERM))
	require.NoError(t, a.Stop(context.Background(), StopSIGTERM))

	bot.mu.Lock()
	assert.True(t, bot.stopped)
	bot.mu.Unlock()
	select {
	case <-a.Done():
	default:
		t.Fatal("app context not canceled")
	}
	_, ok := a.health()
	assert.False(t, ok)
}

func TestNewFailsWithoutToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o600))
	_, err := New(context.Background(), path, WithEnvLookup(noEnv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token")
}

func TestMapRelayPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		relay   config.RelayConfig
		want    relay.Policy
		wantErr bool
	}{
		{name: "defaults", want: relay.Policy{}},
		{name: "copy", relay: config.RelayConfig{Mode: " Copy ", CallTimeout: "5s", Concurrency: 4}, want: relay.Policy{Mode: relay.ModeCopy, CallTimeout: 5 * time.Second, Concurrency: 4}},
		{name: "bad timeout", relay: config.RelayConfig{CallTimeout: "later"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapRelayPolicy(&config.Config{Relay: tt.relay})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapStorageAndMaintenance(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "SQLite", Path: " ./x.db ", AuditRetention: "720h"}}
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./x.db", sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	mc, err := mapMaintenanceConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, mc.Retention)

	lc := mapLoggingConfig(&config.Config{Telegram: config.TelegramConfig{LogChatID: -5}})
	assert.Equal(t, int64(-5), lc.Telegram.ChatID)
}
