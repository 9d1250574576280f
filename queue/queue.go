// Package queue holds subscription requests that are waiting for the user to
// confirm them.
package queue

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"citaprevia-notifier/metrics"
	"citaprevia-notifier/pkg/notifier"
)

const idLength = 6

// Registry reports whether a postal code is known.
type Registry interface {
	Contains(code string) bool
}

// Membership reports whether an email is already a confirmed subscriber.
type Membership interface {
	IsSubscribed(postalCode, userEmail string) bool
}

// Encoder turns a token payload into an opaque token.
type Encoder interface {
	Encode(p notifier.TokenPayload) (string, error)
}

// Config controls pending entry lifetimes.
type Config struct {
	Now           func() time.Time
	TTL           time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Now:           time.Now,
		TTL:           5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Queue is the set of pending subscriptions keyed by id.
type Queue struct {
	registry Registry
	members  Membership
	codec    Encoder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	entries  map[string]notifier.PendingSubscription
	cfg      Config
	mu       sync.Mutex
}

// New creates an empty queue. Zero fields in cfg take their defaults.
func New(cfg Config, registry Registry, members Membership, codec Encoder, m *metrics.Metrics, logger *slog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Queue{
		registry: registry,
		members:  members,
		codec:    codec,
		metrics:  m,
		logger:   logger,
		entries:  make(map[string]notifier.PendingSubscription),
		cfg:      cfg,
	}
}

// Enqueue stores a pending subscription and returns the token that confirms it.
func (q *Queue) Enqueue(postalCode, userEmail string) (string, error) {
	if !q.registry.Contains(postalCode) {
		return "", fmt.Errorf("queue %s: %w", postalCode, notifier.ErrUnknownPostalCode)
	}
	if q.members.IsSubscribed(postalCode, userEmail) {
		return "", fmt.Errorf("queue %s for %s: %w", postalCode, userEmail, notifier.ErrAlreadySubscribed)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.newID()
	tok, err := q.codec.Encode(notifier.TokenPayload{ID: id, PostalCode: postalCode, UserEmail: userEmail})
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}

	entry := notifier.PendingSubscription{
		ID:         id,
		PostalCode: postalCode,
		UserEmail:  userEmail,
		ExpiresAt:  q.cfg.Now().Add(q.cfg.TTL),
	}
	q.entries[id] = entry
	q.metrics.PendingQueued.Inc()

	q.logger.Info("Subscription queued",
		"id", id,
		"postal_code", postalCode,
		"email", userEmail,
		"expires_at", entry.ExpiresAt.Format(time.RFC3339))
	return tok, nil
}

// newID returns an id not used by any live entry. Callers must hold q.mu.
func (q *Queue) newID() string {
	for {
		id := rand.Text()[:idLength]
		if _, taken := q.entries[id]; !taken {
			return id
		}
	}
}

// Consume removes and returns the entry with the given id. Entries past their
// expiry are treated as absent even if the sweeper has not reached them yet.
func (q *Queue) Consume(id string) (notifier.PendingSubscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[id]
	if !ok {
		return notifier.PendingSubscription{}, fmt.Errorf("consume %s: %w", id, notifier.ErrNotQueued)
	}
	delete(q.entries, id)

	if !q.cfg.Now().Before(entry.ExpiresAt) {
		q.metrics.PendingSwept.Inc()
		return notifier.PendingSubscription{}, fmt.Errorf("consume %s: expired: %w", id, notifier.ErrNotQueued)
	}

	q.metrics.PendingConfirmed.Inc()
	return entry, nil
}

// Sweep drops every expired entry and returns how many were removed.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	removed := 0
	for id, entry := range q.entries {
		if now.Before(entry.ExpiresAt) {
			continue
		}
		delete(q.entries, id)
		removed++
		q.logger.Debug("Pending subscription expired",
			"id", id,
			"postal_code", entry.PostalCode,
			"email", entry.UserEmail)
	}
	q.metrics.PendingSwept.Add(float64(removed))
	return removed
}

// Len returns the number of entries, including expired ones not yet swept.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Run sweeps on every SweepInterval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	q.logger.Info("Pending sweeper started", "interval", q.cfg.SweepInterval.String())
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Pending sweeper stopped")
			return nil
		case <-ticker.C:
			start := time.Now()
			removed := q.Sweep()
			q.logger.Info("Pending sweep completed",
				"removed", removed,
				"remaining", q.Len(),
				"duration_ms", time.Since(start).Milliseconds())
		}
	}
}
