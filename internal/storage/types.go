package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotConfigured is returned by mutations that need an existing rule.
	ErrNotConfigured = errors.New("no forward rule configured")
	// ErrPersistence wraps backend failures (store unavailable, I/O, driver errors).
	ErrPersistence = errors.New("persistence failure")
	ErrDisabled    = errors.New("storage closed")
	ErrInvalidRule = errors.New("invalid rule")
)

// Outcome reports what a single-destination mutation did.
type Outcome int

const (
	OutcomeChanged Outcome = iota
	OutcomeAlreadyPresent
	OutcomeNotPresent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAlreadyPresent:
		return "already_present"
	case OutcomeNotPresent:
		return "not_present"
	default:
		return "changed"
	}
}

// Rule maps one source chat, for one owner, to an ordered destination set.
type Rule struct {
	Source       int64     `json:"source" bson:"source"`
	Owner        int64     `json:"owner" bson:"owner"`
	Destinations []int64   `json:"destinations" bson:"destinations"`
	BotID        int64     `json:"bot_id,omitempty" bson:"bot_id"` // 0 = any instance
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

// Clone is a registered relay credential.
type Clone struct {
	Token     string    `json:"token" bson:"_id"`
	Owner     int64     `json:"owner" bson:"owner"`
	BotID     int64     `json:"bot_id" bson:"bot_id"`
	Username  string    `json:"username" bson:"username"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// AuditEntry is one action log record. Append-only.
type AuditEntry struct {
	ID            string    `json:"id" bson:"_id"`
	At            time.Time `json:"at" bson:"at"`
	Instance      string    `json:"instance,omitempty" bson:"instance,omitempty"`
	ActorID       int64     `json:"actor_id,omitempty" bson:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty" bson:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty" bson:"chat_id,omitempty"`
	Action        string    `json:"action" bson:"action"`
	Detail        string    `json:"detail,omitempty" bson:"detail,omitempty"`
	OK            int       `json:"ok,omitempty" bson:"ok,omitempty"`
	Fail          int       `json:"fail,omitempty" bson:"fail,omitempty"`
	Error         string    `json:"error,omitempty" bson:"error,omitempty"`
	TookMS        int64     `json:"took_ms,omitempty" bson:"took_ms,omitempty"`
}

func (e AuditEntry) withDefaults(now func() time.Time) AuditEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = now()
	}
	return e
}

type RuleStore interface {
	// UpsertRule replaces (or creates) the destination set of (source, owner).
	UpsertRule(ctx context.Context, source, owner int64, dests []int64, botID int64) (Rule, error)
	AddDestination(ctx context.Context, source, owner, dest int64) (Rule, Outcome, error)
	RemoveDestination(ctx context.Context, source, owner, dest int64) (Rule, Outcome, error)
	GetRule(ctx context.Context, source, owner int64) (Rule, bool, error)
	ListRules(ctx context.Context, owner int64) ([]Rule, error)
	RulesBySource(ctx context.Context, source int64) ([]Rule, error)
	AllRules(ctx context.Context) ([]Rule, error)
	// DeleteRule returns the number of rules removed (0 or 1).
	DeleteRule(ctx context.Context, source, owner int64) (int, error)
	// CloneRule copies the destinations of (from, owner) onto (to, owner).
	CloneRule(ctx context.Context, from, to, owner, botID int64) (Rule, error)
}

type CloneStore interface {
	PutClone(ctx context.Context, c Clone) error
	GetClone(ctx context.Context, token string) (Clone, bool, error)
	ListClones(ctx context.Context) ([]Clone, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// PruneAudit removes entries older than before and returns how many went.
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	CountAudit(ctx context.Context, since time.Time) (int64, error)
}

type Store interface {
	RuleStore
	CloneStore
	AuditStore
	Close() error
}

// Config configures storage. Driver is one of "memory", "file", "sqlite", "mongo".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite; 0 keeps the driver default
	URI         string        // mongo
	Database    string        // mongo; default "relaybot"
}
