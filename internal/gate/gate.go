// Package gate controls access to encrypted message content. The first
// decryption of a message spends a key-pool resource; later opens are
// authorized by a one-time code that grants a short-lived session.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/remote"
	"github.com/nhle/qmail/internal/store"
	"github.com/nhle/qmail/internal/telemetry"
	"github.com/nhle/qmail/internal/vault"
)

// State is the access state of one message.
type State string

const (
	StateUnencrypted       State = "unencrypted"
	StateNeverDecrypted    State = "never_decrypted"
	StateResourceDecrypted State = "resource_decrypted"
	StateReauthRequired    State = "reauth_required"
	StateSessionValid      State = "session_valid"
)

// Status is the outcome of a Decrypt call.
type Status string

const (
	StatusRevealed     Status = "revealed"
	StatusCodeRequired Status = "code_required"
	StatusCodeRejected Status = "code_rejected"
)

// wildcard is the session subject that covers every message.
const wildcard = "*"

// ErrReauthRequired is what Result.Err reports when a code is missing or
// was rejected.
var ErrReauthRequired = errors.New("gate: reauthentication required")

// Result is the answer to a Decrypt call. Plaintext is set only when
// Status is StatusRevealed.
type Result struct {
	MessageID string
	Status    Status
	State     State
	Plaintext []byte
	Tier      model.Tier
	KeyRef    string
}

// Err returns ErrReauthRequired unless the content was revealed.
func (r *Result) Err() error {
	if r.Status == StatusRevealed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrReauthRequired, r.Status)
}

// Plaintexts holds decrypted content. *vault.Vault implements it.
type Plaintexts interface {
	Put(messageID string, plaintext []byte) error
	Get(messageID string) ([]byte, error)
	Delete(messageIDs ...string) error
}

// Opener is the part of the encryption service the gate needs.
type Opener interface {
	Decrypt(ctx context.Context, messageID string) (*remote.Opened, error)
	VerifyCode(ctx context.Context, messageID, code string) (bool, error)
}

// Config tunes the session rules.
type Config struct {
	Window time.Duration
	Scope  string
}

// DefaultConfig is a five minute session covering all messages.
func DefaultConfig() Config {
	return Config{Window: 5 * time.Minute, Scope: model.SessionScopeGlobal}
}

// ConfigFrom converts the gate section of the application config.
func ConfigFrom(gc model.GateConfig) Config {
	cfg := DefaultConfig()
	if gc.SessionWindowSec > 0 {
		cfg.Window = time.Duration(gc.SessionWindowSec) * time.Second
	}
	if gc.SessionScope == model.SessionScopeMessage {
		cfg.Scope = model.SessionScopeMessage
	}
	return cfg
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the time source used for session expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithMetrics records decrypt metrics and spans.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// Gate is the decrypt-once access gate. Sessions live in memory only; the
// decrypted marker is persisted on the record.
type Gate struct {
	store   store.Store
	vault   Plaintexts
	crypto  Opener
	metrics *telemetry.Metrics
	cfg     Config
	now     func() time.Time

	first singleflight.Group

	mu       sync.Mutex
	sessions map[string]time.Time
}

// New creates a gate.
func New(st store.Store, v Plaintexts, crypto Opener, cfg Config, opts ...Option) *Gate {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Scope != model.SessionScopeMessage {
		cfg.Scope = model.SessionScopeGlobal
	}

	g := &Gate{
		store:    st,
		vault:    v,
		crypto:   crypto,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Decrypt reveals the content of a message. A message that was never
// decrypted spends one key-pool resource. One that was needs a valid
// session or a correct code; an empty code asks the caller for one.
func (g *Gate) Decrypt(ctx context.Context, messageID, code string) (res *Result, err error) {
	ctx, end := g.metrics.StartSpan(ctx, "qmail.gate.decrypt", attribute.String("message", messageID))
	defer func() { end(err) }()

	rec, err := g.store.GetByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading message %s: %w", messageID, err)
	}

	if !rec.Encrypted() {
		g.metrics.RecordDecrypt(ctx, "plain")
		return g.result(rec, StatusRevealed, StateUnencrypted, []byte(rec.Body)), nil
	}

	if !rec.Decrypted {
		return g.decryptFirst(ctx, rec)
	}

	if g.sessionValid(messageID) {
		pt, err := g.reveal(ctx, rec)
		if err != nil || pt == nil {
			return g.fallback(ctx, rec, err)
		}
		g.metrics.RecordDecrypt(ctx, "session")
		return g.result(rec, StatusRevealed, StateSessionValid, pt), nil
	}

	if code == "" {
		g.metrics.RecordDecrypt(ctx, "code_required")
		return g.result(rec, StatusCodeRequired, StateReauthRequired, nil), nil
	}

	ok, err := g.crypto.VerifyCode(ctx, messageID, code)
	if err != nil {
		return nil, fmt.Errorf("verifying code for %s: %w", messageID, err)
	}
	if !ok {
		logrus.WithField("message", messageID).Info("Access code rejected")
		g.metrics.RecordDecrypt(ctx, "code_rejected")
		return g.result(rec, StatusCodeRejected, StateReauthRequired, nil), nil
	}

	g.openSession(messageID)
	g.metrics.RecordDecrypt(ctx, "code_accepted")

	pt, err := g.reveal(ctx, rec)
	if err != nil || pt == nil {
		return g.fallback(ctx, rec, err)
	}

	return g.result(rec, StatusRevealed, StateSessionValid, pt), nil
}

// State reports the access state of a message without changing it.
func (g *Gate) State(ctx context.Context, messageID string) (State, error) {
	rec, err := g.store.GetByID(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("loading message %s: %w", messageID, err)
	}

	switch {
	case !rec.Encrypted():
		return StateUnencrypted, nil
	case !rec.Decrypted:
		return StateNeverDecrypted, nil
	case g.sessionValid(messageID):
		return StateSessionValid, nil
	default:
		return StateReauthRequired, nil
	}
}

// Lock ends every open session.
func (g *Gate) Lock() {
	g.mu.Lock()
	defer g.mu.Unlock()

	clear(g.sessions)
}

// Forget drops sessions and cached plaintext for the given messages.
func (g *Gate) Forget(messageIDs ...string) error {
	g.mu.Lock()
	for _, id := range messageIDs {
		delete(g.sessions, id)
	}
	g.mu.Unlock()

	return g.vault.Delete(messageIDs...)
}

// decryptFirst spends the resource bound to the message. Concurrent first
// opens of the same message share one remote call.
func (g *Gate) decryptFirst(ctx context.Context, rec *model.MessageRecord) (*Result, error) {
	v, err, _ := g.first.Do(rec.ID, func() (any, error) {
		// A flight that finished just before this one may already have
		// spent the resource.
		cur, err := g.store.GetByID(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("loading message %s: %w", rec.ID, err)
		}
		if cur.Decrypted {
			if pt, err := g.vault.Get(rec.ID); err == nil {
				return pt, nil
			}
		}

		opened, err := g.crypto.Decrypt(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", rec.ID, err)
		}

		// The plaintext goes in before the marker so a decrypted record
		// always has content to reveal.
		if err := g.vault.Put(rec.ID, opened.Plaintext); err != nil {
			return nil, err
		}

		yes := true
		_, err = g.store.Patch(context.WithoutCancel(ctx), rec.ID, model.MessagePatch{
			Decrypted:         &yes,
			GloballyDecrypted: &yes,
		})
		if err != nil {
			return nil, fmt.Errorf("marking %s decrypted: %w", rec.ID, err)
		}

		logrus.WithFields(logrus.Fields{
			"message": rec.ID,
			"tier":    rec.Tier,
		}).Info("Message decrypted")

		return opened.Plaintext, nil
	})
	if err != nil {
		return nil, err
	}

	g.metrics.RecordDecrypt(ctx, "resource")
	return g.result(rec, StatusRevealed, StateResourceDecrypted, v.([]byte)), nil
}

// reveal reads cached plaintext. It returns nil without error when the
// vault lost the entry.
func (g *Gate) reveal(ctx context.Context, rec *model.MessageRecord) ([]byte, error) {
	pt, err := g.vault.Get(rec.ID)
	if errors.Is(err, vault.ErrNotFound) {
		logrus.WithField("message", rec.ID).Warn("Decrypted message has no cached plaintext")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// fallback handles a decrypted record whose plaintext is gone by spending
// the resource again.
func (g *Gate) fallback(ctx context.Context, rec *model.MessageRecord, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}

	no := false
	if _, err := g.store.Patch(ctx, rec.ID, model.MessagePatch{Decrypted: &no}); err != nil {
		return nil, fmt.Errorf("resetting %s: %w", rec.ID, err)
	}
	rec.Decrypted = false

	return g.decryptFirst(ctx, rec)
}

func (g *Gate) sessionValid(messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for _, subject := range []string{wildcard, messageID} {
		at, ok := g.sessions[subject]
		if !ok {
			continue
		}
		if now.Sub(at) < g.cfg.Window {
			return true
		}
	}
	return false
}

func (g *Gate) openSession(messageID string) {
	subject := wildcard
	if g.cfg.Scope == model.SessionScopeMessage {
		subject = messageID
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sessions[subject] = g.now()
}

func (g *Gate) result(rec *model.MessageRecord, status Status, state State, pt []byte) *Result {
	return &Result{
		MessageID: rec.ID,
		Status:    status,
		State:     state,
		Plaintext: pt,
		Tier:      rec.Tier,
		KeyRef:    rec.KeyRef,
	}
}
