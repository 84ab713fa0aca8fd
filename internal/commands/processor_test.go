package commands

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/instance"
	"relaybot/internal/relay"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
)

const (
	ownerID = int64(1000)
	userID  = int64(2000)
	srcChat = int64(-100)
)

type sent struct {
	ChatID int64
	Text   string
}

// fakeBot is both the outbound client and an adapter for clone instances.
type fakeBot struct {
	ident transport.BotIdentity

	mu      sync.Mutex
	sent    []sent
	chats   map[string]transport.ChatInfo
	sendErr map[int64]error
}

func newFakeBot() *fakeBot {
	b := &fakeBot{
		ident:   transport.BotIdentity{ID: 77, Username: "relay_bot"},
		chats:   map[string]transport.ChatInfo{},
		sendErr: map[int64]error{},
	}
	for _, id := range []int64{srcChat, -200, -300, -400} {
		b.chats[strconv.FormatInt(id, 10)] = transport.ChatInfo{ID: id, Type: "channel"}
	}
	b.chats["@news"] = transport.ChatInfo{ID: -500, Type: "channel", Username: "news"}
	return b
}

func (b *fakeBot) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sendErr[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	b.sent = append(b.sent, sent{ChatID: to.ChatID, Text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(b.sent)}, nil
}

func (b *fakeBot) Forward(ctx context.Context, to transport.ChatTarget, from transport.MessageRef) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (b *fakeBot) Copy(ctx context.Context, to transport.ChatTarget, from transport.MessageRef) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (b *fakeBot) ChatInfo(ctx context.Context, ref string) (transport.ChatInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, ok := b.chats[ref]; ok {
		return info, nil
	}
	return transport.ChatInfo{}, transport.ErrChatNotFound
}

func (b *fakeBot) Identity() transport.BotIdentity                              { return b.ident }
func (b *fakeBot) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (b *fakeBot) Stop(ctx context.Context) error                               { return nil }

func (b *fakeBot) last() sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return sent{}
	}
	return b.sent[len(b.sent)-1]
}

func (b *fakeBot) sentTo(chatID int64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, s := range b.sent {
		if s.ChatID == chatID {
			out = append(out, s.Text)
		}
	}
	return out
}

type prober map[string]transport.BotIdentity

func (p prober) Probe(ctx context.Context, token string) (transport.BotIdentity, error) {
	if id, ok := p[token]; ok {
		return id, nil
	}
	return transport.BotIdentity{}, errors.New("Unauthorized")
}

type recorder struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (r *recorder) Record(ctx context.Context, e storage.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

type fixture struct {
	p     *Processor
	bot   *fakeBot
	store storage.Store
	rec   *recorder
	mgr   *instance.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	bot := newFakeBot()
	mgr := instance.NewManager(instance.Config{
		Store: store,
		Factory: func(ctx context.Context, token string) (transport.Adapter, error) {
			c := newFakeBot()
			c.ident = transport.BotIdentity{ID: 88, Username: "my_clone_bot"}
			return c, nil
		},
		Prober: prober{"88:good-token": {ID: 88, Username: "my_clone_bot"}},
	})
	t.Cleanup(func() {
		_ = mgr.StopAll(context.Background())
		_ = store.Close()
	})
	rec := &recorder{}
	p := NewProcessor(Config{
		Store:     store,
		Client:    bot,
		Self:      bot.ident,
		Owners:    NewOwnerSet([]int64{ownerID}),
		Instances: mgr,
		Recorder:  rec,
		Policy:    relay.NewSharedPolicy(relay.Policy{CallTimeout: time.Second}),
	})
	return &fixture{p: p, bot: bot, store: store, rec: rec, mgr: mgr}
}

// run handles text sent by user in chat and returns the reply.
func (f *fixture) run(t *testing.T, chat, user int64, text string) string {
	t.Helper()
	chatType := "channel"
	if chat > 0 {
		chatType = "private"
	}
	ev := transport.Classify(transport.Update{Message: &transport.Message{
		ID: 1, ChatID: chat, ChatType: chatType, FromID: user, FromUsername: "u", Text: text,
	}})
	require.Equal(t, transport.EventCommand, ev.Kind)
	f.p.Handle(context.Background(), ev.Command)
	got := f.bot.last()
	require.Equal(t, chat, got.ChatID)
	return got.Text
}

func TestSetForwardAndStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	reply := f.run(t, srcChat, userID, "/setforward -200 @news -200")
	assert.Equal(t, "✅ Forwarding -100 → -200, -500", reply)

	r, ok, err := f.store.GetRule(context.Background(), srcChat, userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{-200, -500}, r.Destinations)
	assert.Equal(t, int64(77), r.BotID)

	assert.Equal(t, "✅ Forwarding -100 → -200, -500", f.run(t, srcChat, userID, "/status"))
	assert.Equal(t, "✅ No forwarding configured for this chat.", f.run(t, srcChat, ownerID, "/status"))
}

func TestSetForwardRejectsBadDestinations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	assert.Equal(t, "❌ Usage: /setforward <chat> [chat...]", f.run(t, srcChat, userID, "/setforward"))
	reply := f.run(t, srcChat, userID, "/setforward -200 -999")
	assert.True(t, strings.HasPrefix(reply, "❌ Cannot access chat -999"), reply)
	assert.Equal(t, "❌ A chat cannot forward to itself.", f.run(t, srcChat, userID, "/setforward -100"))

	_, ok, err := f.store.GetRule(context.Background(), srcChat, userID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddRemoveForward(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	reply := f.run(t, srcChat, userID, "/addforward -200")
	assert.Equal(t, "❌ No forwarding is configured for this chat. Use /setforward first.", reply)

	f.run(t, srcChat, userID, "/setforward -200")
	assert.Equal(t, "✅ Added -300. Destinations: -200, -300", f.run(t, srcChat, userID, "/addforward -300"))
	assert.Equal(t, "✅ -300 is already a destination. Destinations: -200, -300", f.run(t, srcChat, userID, "/addforward -300"))
	assert.Equal(t, "✅ Removed -200. Destinations: -300", f.run(t, srcChat, userID, "/removeforward -200"))
	assert.Equal(t, "✅ -200 is not a destination. Destinations: -300", f.run(t, srcChat, userID, "/removeforward -200"))
	// Chats the bot cannot see any more are still removable by id.
	assert.Equal(t, "✅ -777 is not a destination. Destinations: -300", f.run(t, srcChat, userID, "/removeforward -777"))
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.run(t, srcChat, userID, "/setforward -200")

	assert.Equal(t, "✅ Forwarding stopped.", f.run(t, srcChat, userID, "/stop"))
	assert.Equal(t, "✅ Nothing to stop, no forwarding configured for this chat.", f.run(t, srcChat, userID, "/stop"))
}

func TestCloneRule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.run(t, srcChat, userID, "/setforward -200 -300")

	assert.Equal(t, "✅ Copied from -100. Forwarding -400 → -200, -300", f.run(t, -400, userID, "/clone -100"))
	assert.Equal(t, "❌ Chat -300 has no forwarding rule of yours to copy.", f.run(t, -400, userID, "/clone -300"))
	assert.Equal(t, "❌ Source and target are the same chat.", f.run(t, srcChat, userID, "/clone -100"))

	// Another user's rule is not a template.
	reply := f.run(t, -400, ownerID, "/clone -100")
	assert.True(t, strings.HasPrefix(reply, "❌"), reply)
	_, ok, err := f.store.GetRule(context.Background(), -400, ownerID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListScopedToUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.run(t, srcChat, userID, "/setforward -200")
	f.run(t, -400, userID, "/setforward -300")
	f.run(t, -400, ownerID, "/setforward -200")

	assert.Equal(t, "✅ 2 rule(s):\n-400 → -300\n-100 → -200", f.run(t, userID, userID, "/list"))
	assert.Equal(t, "✅ You have no forwarding rules.", f.run(t, 3000, 3000, "/list"))
}

func TestOwnerOnlyCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.run(t, srcChat, userID, "/setforward -200 -300")

	assert.Equal(t, "❌ Permission denied.", f.run(t, userID, userID, "/stats"))
	assert.Equal(t, "❌ Permission denied.", f.run(t, userID, userID, "/broadcast hi"))
	assert.Equal(t, "❌ Permission denied.", f.run(t, userID, userID, "/instances"))

	stats := f.run(t, ownerID, ownerID, "/stats")
	assert.True(t, strings.HasPrefix(stats, "✅ Stats"), stats)
	assert.Contains(t, stats, "rules: 1")
	assert.Contains(t, stats, "destinations: 2")
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.run(t, srcChat, userID, "/setforward -200")
	f.run(t, -400, userID, "/setforward -200")
	f.run(t, -400, 3000, "/setforward -300")
	f.bot.mu.Lock()
	f.bot.sendErr[3000] = errors.New("bot was blocked by the user")
	f.bot.mu.Unlock()

	reply := f.run(t, ownerID, ownerID, `/broadcast "maintenance tonight"`)
	assert.Equal(t, "✅ Broadcast delivered to 1 of 2 owners (1 failed).", reply)
	assert.Equal(t, []string{"\"maintenance tonight\""}, f.bot.sentTo(userID))
}

func TestCloneBot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	assert.Equal(t, "❌ Send /clonebot in a private chat with the bot.", f.run(t, srcChat, userID, "/clonebot 88:good-token"))
	assert.Equal(t, "❌ Telegram rejected that bot token.", f.run(t, userID, userID, "/clonebot 99:bad"))
	clones, err := f.store.ListClones(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clones)

	assert.Equal(t, "✅ @my_clone_bot is running. Open it and use /setforward to configure.", f.run(t, userID, userID, "/clonebot 88:good-token"))
	assert.Equal(t, "✅ @my_clone_bot is already running.", f.run(t, userID, userID, "/clonebot 88:good-token"))
	assert.Len(t, f.mgr.Handles(), 1)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	for _, e := range f.rec.entries {
		assert.NotContains(t, e.Detail, "good-token")
	}
}

func TestCloneBotDuringShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.mgr.StopAll(context.Background()))

	assert.Equal(t, "❌ Shutting down, please try again later.", f.run(t, userID, userID, "/clonebot 88:good-token"))
	clones, err := f.store.ListClones(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clones)
}

func TestUserMessageForInstanceErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		err    error
		want   string
		wantOK bool
	}{
		{name: "start in progress", err: instance.ErrAlreadyRunning, want: "That bot is already starting.", wantOK: true},
		{name: "stopped", err: instance.ErrStopped, want: "Shutting down, please try again later.", wantOK: true},
		{name: "bad token", err: errors.Join(instance.ErrInvalidCredential, errors.New("401")), want: "Telegram rejected that bot token.", wantOK: true},
		{name: "unexpected", err: errors.New("boom"), want: "Something went wrong, please try again later."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := userMessage(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestCloneRegistrantIsOwner(t *testing.T) {
	t.Parallel()
	bot := newFakeBot()
	p := NewProcessor(Config{
		Store:      storage.NewMemory(),
		Client:     bot,
		Owners:     NewOwnerSet([]int64{ownerID}),
		Registrant: userID,
	})
	assert.True(t, p.isOwner(userID))
	assert.True(t, p.isOwner(ownerID))
	assert.False(t, p.isOwner(3000))
	assert.False(t, p.isOwner(0))
}

func TestUnknownCommandAndHelp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	assert.Equal(t, "❌ Unknown command /nope. Send /help for the list.", f.run(t, userID, userID, "/nope"))

	help := f.run(t, userID, userID, "/help")
	assert.True(t, strings.HasPrefix(help, "✅ Relay bot"), help)
	assert.Contains(t, help, "/setforward")
	assert.NotContains(t, help, "/broadcast")
	assert.Contains(t, f.run(t, ownerID, ownerID, "/start"), "/broadcast")
}

func TestCommandsAreRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.run(t, srcChat, userID, "/setforward -200")
	f.run(t, srcChat, userID, "/addforward -999")

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	require.Len(t, f.rec.entries, 2)
	assert.Equal(t, "setforward", f.rec.entries[0].Action)
	assert.Equal(t, 1, f.rec.entries[0].OK)
	assert.Equal(t, "-200", f.rec.entries[0].Detail)
	assert.Equal(t, "addforward", f.rec.entries[1].Action)
	assert.Equal(t, 1, f.rec.entries[1].Fail)
	assert.Equal(t, "relay_bot", f.rec.entries[1].Instance)
}

func TestMenuExcludesOwnerCommands(t *testing.T) {
	t.Parallel()
	var names []string
	for _, c := range Menu() {
		names = append(names, c.Command)
	}
	assert.Contains(t, names, "setforward")
	assert.Contains(t, names, "clonebot")
	assert.NotContains(t, names, "stats")
	assert.NotContains(t, names, "broadcast")
}

func TestOwnerSetReload(t *testing.T) {
	t.Parallel()
	s := NewOwnerSet([]int64{3, 1, 0})
	assert.Equal(t, []int64{1, 3}, s.List())
	s.Set([]int64{5})
	assert.False(t, s.Contains(1))
	assert.True(t, s.Contains(5))
}
