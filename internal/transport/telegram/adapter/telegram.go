package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration // default 10s
	APITimeout  time.Duration // HTTP client timeout; default PollTimeout + 10s
}

// Adapter connects one credential to Telegram via telebot long polling.
// Updates are handed off in arrival order and the hand-off blocks, so a slow
// consumer slows polling instead of losing messages.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
	me  transport.BotIdentity

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	outCtx  context.Context
	out     chan<- transport.Update

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = cfg.PollTimeout + 10*time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}

	b, err := tele.NewBot(tele.Settings{
		Token:       cfg.Token,
		Poller:      &tele.LongPoller{Timeout: cfg.PollTimeout},
		Synchronous: true,
		Client:      &http.Client{Timeout: cfg.APITimeout},
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	if b.Me != nil {
		a.me = transport.BotIdentity{ID: b.Me.ID, Username: b.Me.Username}
		a.log = a.log.With(logx.String("bot", b.Me.Username))
	}
	a.registerHandlers()
	return a, nil
}

// Factory builds adapters with shared settings for any credential.
func Factory(base Config, log logx.Logger) transport.AdapterFactory {
	return func(ctx context.Context, token string) (transport.Adapter, error) {
		cfg := base
		cfg.Token = token
		return callCtx(ctx, func() (transport.Adapter, error) { return New(cfg, log) })
	}
}

func (a *Adapter) Identity() transport.BotIdentity { return a.me }

func (a *Adapter) registerHandlers() {
	fromMessage := func(kind transport.UpdateKind, withText bool) tele.HandlerFunc {
		return func(c tele.Context) error {
			m := c.Message()
			if m == nil || m.Chat == nil {
				return nil
			}
			a.deliver(transport.Update{Kind: kind, Message: toMessage(m, withText)})
			return nil
		}
	}
	a.bot.Handle(tele.OnText, fromMessage(transport.UpdateMessage, true))
	// Media and other non-text content is forwarded as is; captions are not
	// parsed as commands.
	for _, ep := range nonTextEndpoints {
		a.bot.Handle(ep, fromMessage(transport.UpdateMessage, false))
	}
	// Message() returns the channel post for channel updates.
	a.bot.Handle(tele.OnChannelPost, fromMessage(transport.UpdateChannelPost, true))
}

// nonTextEndpoints are the telebot keys for message kinds that carry no text.
// Each kind is routed to its own key, so every one must be registered.
var nonTextEndpoints = []string{
	tele.OnMedia,
	tele.OnContact,
	tele.OnLocation,
	tele.OnVenue,
	tele.OnDice,
	tele.OnGame,
}

func toMessage(m *tele.Message, withText bool) *transport.Message {
	msg := &transport.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ChatType: string(m.Chat.Type),
	}
	if withText {
		msg.Text = m.Text
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	return msg
}

// deliver blocks until the consumer takes the update or the adapter stops.
func (a *Adapter) deliver(up transport.Update) {
	a.runMu.Lock()
	out, ctx := a.out, a.outCtx
	a.runMu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- up:
	case <-ctx.Done():
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithScope("telegram:"+a.me.Username),
	)
	a.out = out
	a.outCtx = a.sup.Context()
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start can return on its own in some failure modes; restart it
	// while the adapter is running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	wasRunning := a.running
	a.sup, a.running, a.out = nil, false, nil
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, telegramTextLimit)
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := callCtx(ctx, func() (*tele.Message, error) {
			return a.bot.Send(chat, chunk, &tele.SendOptions{
				ParseMode:             tele.ParseMode(opt.ParseMode),
				DisableWebPagePreview: opt.DisablePreview,
			})
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func stored(ref transport.MessageRef) tele.StoredMessage {
	return tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
}

func (a *Adapter) Forward(ctx context.Context, to transport.ChatTarget, from transport.MessageRef) (transport.MessageRef, error) {
	msg, err := callCtx(ctx, func() (*tele.Message, error) {
		return a.bot.Forward(&tele.Chat{ID: to.ChatID}, stored(from))
	})
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) Copy(ctx context.Context, to transport.ChatTarget, from transport.MessageRef) (transport.MessageRef, error) {
	msg, err := callCtx(ctx, func() (*tele.Message, error) {
		return a.bot.Copy(&tele.Chat{ID: to.ChatID}, stored(from))
	})
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

// ChatInfo resolves "-100123" style ids and "@name" usernames.
func (a *Adapter) ChatInfo(ctx context.Context, ref string) (transport.ChatInfo, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return transport.ChatInfo{}, transport.ErrChatNotFound
	}
	chat, err := callCtx(ctx, func() (*tele.Chat, error) {
		if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
			return a.bot.ChatByID(id)
		}
		return a.bot.ChatByUsername("@" + strings.TrimPrefix(ref, "@"))
	})
	if err != nil {
		if errors.Is(err, tele.ErrChatNotFound) {
			return transport.ChatInfo{}, fmt.Errorf("%s: %w", ref, transport.ErrChatNotFound)
		}
		return transport.ChatInfo{}, err
	}
	return transport.ChatInfo{ID: chat.ID, Type: string(chat.Type), Title: chat.Title, Username: chat.Username}, nil
}

// UpdateMenuCommands calls setMyCommands only when the list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" || len(list) >= 100 {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		list = append(list, tele.Command{Text: c.Command, Description: d})
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if _, err := callCtx(ctx, func() (struct{}, error) { return struct{}{}, a.bot.SetCommands(list) }); err != nil {
		return fmt.Errorf("setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

// callCtx runs a blocking telebot call and gives up when ctx is done.
// telebot has no context support; the HTTP client timeout bounds the
// abandoned call.
func callCtx[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Prober checks a credential with getMe without polling.
type Prober struct {
	APITimeout time.Duration
}

func (p Prober) Probe(ctx context.Context, token string) (transport.BotIdentity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return transport.BotIdentity{}, errors.New("empty token")
	}
	timeout := p.APITimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return callCtx(ctx, func() (transport.BotIdentity, error) {
		b, err := tele.NewBot(tele.Settings{
			Token:  token,
			Client: &http.Client{Timeout: timeout},
		})
		if err != nil {
			return transport.BotIdentity{}, err
		}
		if b.Me == nil {
			return transport.BotIdentity{}, errors.New("getMe returned no user")
		}
		return transport.BotIdentity{ID: b.Me.ID, Username: b.Me.Username}, nil
	})
}
