package instance

import (
	"context"
	"errors"
	"strings"
	"time"

	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Handle is a running instance.
type Handle struct {
	token     string
	primary   bool
	owner     int64
	adapter   transport.Adapter
	ident     transport.BotIdentity
	sup       *rtsup.Supervisor
	updates   chan transport.Update
	startedAt time.Time
	log       logx.Logger
}

// Info is a read-only view of a Handle.
type Info struct {
	BotID     int64           `json:"bot_id"`
	Username  string          `json:"username"`
	Primary   bool            `json:"primary"`
	Owner     int64           `json:"owner,omitempty"`
	Token     string          `json:"token"`
	StartedAt time.Time       `json:"started_at"`
	Tasks     rtsup.Counters  `json:"tasks"`
	Snapshot  *rtsup.Snapshot `json:"supervisor,omitempty"`
}

func (h *Handle) Client() transport.Client        { return h.adapter }
func (h *Handle) Identity() transport.BotIdentity { return h.ident }
func (h *Handle) Primary() bool                   { return h.primary }

// Owner is the user that registered a clone; 0 for the primary.
func (h *Handle) Owner() int64 { return h.owner }

func (h *Handle) Logger() logx.Logger { return h.log }

func (h *Handle) Info() Info {
	return Info{
		BotID:     h.ident.ID,
		Username:  h.ident.Username,
		Primary:   h.primary,
		Owner:     h.owner,
		Token:     MaskToken(h.token),
		StartedAt: h.startedAt,
		Tasks:     h.sup.Counters(),
	}
}

// DetailedInfo includes per-task supervisor statistics.
func (h *Handle) DetailedInfo() Info {
	info := h.Info()
	snap := h.sup.Snapshot()
	info.Snapshot = &snap
	return info
}

func (h *Handle) stop(ctx context.Context) error {
	err := h.adapter.Stop(ctx)
	h.sup.Cancel()
	if werr := h.sup.Wait(ctx); errors.Is(werr, context.DeadlineExceeded) {
		err = errors.Join(err, werr)
	}
	if err == nil {
		h.log.Info("instance stopped")
	}
	return err
}

// MaskToken keeps the bot id part of a token and the last four characters.
func MaskToken(token string) string {
	id, secret, ok := strings.Cut(token, ":")
	if !ok || len(secret) <= 4 {
		return "****"
	}
	return id + ":…" + secret[len(secret)-4:]
}
