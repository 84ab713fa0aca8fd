// Package instance runs the primary relay bot and its registered clones.
// Each instance owns its adapter, update channel and supervisor; instances
// share only the store.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"relaybot/internal/fanout"
	"relaybot/internal/observability/metrics"
	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

var (
	ErrInvalidCredential = errors.New("invalid bot token")
	ErrAlreadyRunning    = errors.New("instance already running")
	ErrStopped           = errors.New("instance manager stopped")
)

// WireFunc builds the event loop of a freshly created instance.
type WireFunc func(h *Handle) *relay.Dispatcher

type Config struct {
	PrimaryToken string
	Store        storage.CloneStore
	Factory      transport.AdapterFactory
	Prober       transport.Prober
	Wire         WireFunc
	// Menu is registered with adapters that support command menus.
	Menu   []transport.BotCommand
	Logger logx.Logger
	// UpdateBuffer sizes each instance's update channel. Default 16.
	UpdateBuffer int
}

type Manager struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	base     context.Context
	handles  map[string]*Handle
	starting map[string]struct{}
	stopped  bool
}

func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 16
	}
	return &Manager{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "instance.manager")),
		base:     context.Background(),
		handles:  map[string]*Handle{},
		starting: map[string]struct{}{},
	}
}

// Bootstrap starts the primary instance and then every stored clone. Only a
// primary failure is returned; clone failures are logged and skipped.
// Instances live until StopAll or until ctx is canceled.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	if _, err := m.Spawn(ctx, m.cfg.PrimaryToken, 0, true); err != nil {
		return fmt.Errorf("start primary: %w", err)
	}
	if m.cfg.Store == nil {
		return nil
	}
	clones, err := m.cfg.Store.ListClones(ctx)
	if err != nil {
		m.log.Warn("list clones failed", logx.Err(err))
		return nil
	}
	for _, c := range clones {
		if _, err := m.Spawn(ctx, c.Token, c.Owner, false); err != nil {
			m.log.Warn("clone start failed",
				logx.String("bot", c.Username),
				logx.Int64("owner", c.Owner),
				logx.Err(err),
			)
		}
	}
	return nil
}

// RegisterAndStart probes token, starts it and persists it as a clone of
// owner. A credential is stored only once its instance runs; a token that
// fails the probe or the start is neither stored nor left running.
func (m *Manager) RegisterAndStart(ctx context.Context, token string, owner int64) (*Handle, error) {
	token = strings.TrimSpace(token)
	if h := m.lookup(token); h != nil {
		return h, ErrAlreadyRunning
	}
	if m.cfg.Prober == nil {
		return nil, fmt.Errorf("%w: no prober configured", ErrInvalidCredential)
	}
	ident, err := m.cfg.Prober.Probe(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	h, err := m.Spawn(ctx, token, owner, false)
	if err != nil {
		return h, err
	}
	if m.cfg.Store != nil {
		err := m.cfg.Store.PutClone(ctx, storage.Clone{
			Token:    token,
			Owner:    owner,
			BotID:    ident.ID,
			Username: ident.Username,
		})
		if err != nil {
			m.discard(h)
			return nil, err
		}
	}
	return h, nil
}

// discard stops an instance that must not outlive a failed registration.
func (m *Manager) discard(h *Handle) {
	m.mu.Lock()
	if m.handles[h.token] == h {
		delete(m.handles, h.token)
	}
	n := len(m.handles)
	m.mu.Unlock()
	metrics.InstancesRunning.Set(float64(n))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.stop(ctx); err != nil {
		h.log.Warn("discarded instance stopped with errors", logx.Err(err))
	}
}

// Spawn starts an instance for token. At most one instance per token runs at
// a time; a second call returns the running handle with ErrAlreadyRunning.
func (m *Manager) Spawn(ctx context.Context, token string, owner int64, primary bool) (*Handle, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	if h, ok := m.handles[token]; ok {
		m.mu.Unlock()
		return h, ErrAlreadyRunning
	}
	if _, ok := m.starting[token]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	m.starting[token] = struct{}{}
	base := m.base
	m.mu.Unlock()

	h, err := m.start(ctx, base, token, owner, primary)

	m.mu.Lock()
	delete(m.starting, token)
	if err == nil {
		if m.stopped {
			err = ErrStopped
		} else {
			m.handles[token] = h
		}
	}
	n := len(m.handles)
	m.mu.Unlock()

	if err != nil {
		if h != nil {
			h.stop(context.Background())
		}
		return nil, err
	}
	metrics.InstancesRunning.Set(float64(n))
	h.log.Info("instance started", logx.Bool("primary", primary), logx.Int64("owner", owner))
	return h, nil
}

func (m *Manager) start(ctx context.Context, base context.Context, token string, owner int64, primary bool) (*Handle, error) {
	if m.cfg.Factory == nil {
		return nil, errors.New("no adapter factory configured")
	}
	ad, err := m.cfg.Factory(ctx, token)
	if err != nil {
		if primary {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	ident := ad.Identity()
	log := m.log.With(logx.String("bot", ident.Username))
	sup := rtsup.New(base,
		rtsup.WithLogger(log.With(logx.String("comp", "instance"))),
		rtsup.WithScope(ident.Username),
		rtsup.WithCancelOnError(false),
	)
	h := &Handle{
		token:     token,
		primary:   primary,
		owner:     owner,
		adapter:   ad,
		ident:     ident,
		sup:       sup,
		updates:   make(chan transport.Update, m.cfg.UpdateBuffer),
		startedAt: time.Now(),
		log:       log,
	}

	var disp *relay.Dispatcher
	if m.cfg.Wire != nil {
		disp = m.cfg.Wire(h)
	}
	if disp != nil {
		sup.GoRestart("dispatch", func(c context.Context) error {
			return disp.Run(c, h.updates)
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	if err := ad.Start(sup.Context(), h.updates); err != nil {
		sup.Cancel()
		return nil, fmt.Errorf("start adapter: %w", err)
	}
	if up, ok := ad.(transport.CommandMenuUpdater); ok && len(m.cfg.Menu) > 0 {
		menu := m.cfg.Menu
		sup.Go("menu.update", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}
	return h, nil
}

func (m *Manager) lookup(token string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[token]
}

// Handles returns running instances, primary first, then by start time.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].primary != out[j].primary {
			return out[i].primary
		}
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

func (m *Manager) Infos() []Info {
	hs := m.Handles()
	out := make([]Info, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Info())
	}
	return out
}

// StopAll stops every instance concurrently. Each stop is bounded by ctx.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.handles = map[string]*Handle{}
	m.mu.Unlock()

	res := fanout.Run(ctx, hs, fanout.Options{Concurrency: len(hs)}, func(ctx context.Context, h *Handle) error {
		return h.stop(ctx)
	})
	metrics.InstancesRunning.Set(0)
	if err := res.Err(); err != nil {
		m.log.Warn("instances stopped with errors", logx.Int("failed", res.Failed()), logx.Err(err))
		return err
	}
	m.log.Info("instances stopped", logx.Int("count", res.Succeeded))
	return nil
}
