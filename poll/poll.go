// Package poll runs one availability poller per postal code and multiplexes
// every confirmed subscriber of that code onto it.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"citaprevia-notifier/metrics"
	"citaprevia-notifier/pkg/notifier"

	"github.com/google/uuid"
)

// ErrClosed is returned when subscribing after Close.
var ErrClosed = errors.New("poll manager closed")

// Poller fetches current office availability for a postal code.
type Poller interface {
	Poll(ctx context.Context, postalCode string) ([]notifier.Office, error)
}

// Alerter delivers an availability alert to a set of subscribers.
type Alerter interface {
	SendAlert(ctx context.Context, subscribers []notifier.Subscriber, offices []notifier.Office, postalCode string) error
}

// Config controls worker timing.
type Config struct {
	Now           func() time.Time
	SubscriberTTL time.Duration
	TickInterval  time.Duration // Spacing of housekeeping ticks between polls
	PollTimeout   time.Duration
	AlertTimeout  time.Duration // Bounds one alert round, provider retries included
	Ticks         int           // Housekeeping ticks per poll cycle
}

// DefaultConfig returns the production timings: a poll roughly every 20 seconds
// and expiry checks every second.
func DefaultConfig() Config {
	return Config{
		Now:           time.Now,
		SubscriberTTL: 24 * time.Hour,
		TickInterval:  time.Second,
		PollTimeout:   30 * time.Second,
		AlertTimeout:  time.Minute,
		Ticks:         20,
	}
}

// TaskInfo describes a live task.
type TaskInfo struct {
	ID          string
	PostalCode  string
	Subscribers int
}

type task struct {
	id          string
	postalCode  string
	subscribers []notifier.Subscriber
}

// Manager owns the per-postal-code tasks. A single mutex guards the task map and
// every subscriber set, so teardown and subscription never interleave.
type Manager struct {
	poller  Poller
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   map[string]*task
	cfg     Config
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// New creates a manager. Zero fields in cfg take their defaults.
func New(cfg Config, poller Poller, alerter Alerter, m *metrics.Metrics, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.SubscriberTTL <= 0 {
		cfg.SubscriberTTL = def.SubscriberTTL
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = def.AlertTimeout
	}
	if cfg.Ticks <= 0 {
		cfg.Ticks = def.Ticks
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		poller:  poller,
		alerter: alerter,
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*task),
		cfg:     cfg,
	}
}

// EnsureTask returns the id of the live task for postalCode, starting one if
// none exists.
func (m *Manager) EnsureTask(postalCode string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.ensureLocked(postalCode)
	if err != nil {
		return "", err
	}
	return t.id, nil
}

func (m *Manager) ensureLocked(postalCode string) (*task, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if t, ok := m.tasks[postalCode]; ok {
		return t, nil
	}

	t := &task{id: uuid.NewString(), postalCode: postalCode}
	m.tasks[postalCode] = t
	m.metrics.TasksActive.Inc()

	m.wg.Add(1)
	go m.run(t)
	return t, nil
}

// AddSubscriber confirms userEmail for postalCode. The task is created if
// needed within the same critical section, so it cannot be torn down before
// its first subscriber lands.
func (m *Manager) AddSubscriber(postalCode, userEmail, token string) (notifier.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.ensureLocked(postalCode)
	if err != nil {
		return notifier.Subscriber{}, err
	}
	if slices.ContainsFunc(t.subscribers, func(s notifier.Subscriber) bool { return s.UserEmail == userEmail }) {
		return notifier.Subscriber{}, fmt.Errorf("subscribe %s to %s: %w", userEmail, postalCode, notifier.ErrAlreadySubscribed)
	}

	sub := notifier.Subscriber{
		UserEmail: userEmail,
		Token:     token,
		ExpiresAt: m.cfg.Now().Add(m.cfg.SubscriberTTL),
	}
	t.subscribers = append(t.subscribers, sub)
	m.metrics.SubscribersActive.Inc()

	m.logger.Info("Subscriber added",
		"task_id", t.id,
		"postal_code", postalCode,
		"email", userEmail,
		"subscribers", len(t.subscribers),
		"expires_at", sub.ExpiresAt.Format(time.RFC3339))
	return sub, nil
}

// RemoveSubscriber detaches userEmail from postalCode. Removing a subscriber
// that is not there is an error, including a second removal of the same one.
func (m *Manager) RemoveSubscriber(postalCode, userEmail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[postalCode]
	if ok {
		i := slices.IndexFunc(t.subscribers, func(s notifier.Subscriber) bool { return s.UserEmail == userEmail })
		if i >= 0 {
			t.subscribers = slices.Delete(t.subscribers, i, i+1)
			m.metrics.SubscribersActive.Dec()
			m.logger.Info("Subscriber removed",
				"task_id", t.id,
				"postal_code", postalCode,
				"email", userEmail,
				"subscribers", len(t.subscribers))
			return nil
		}
	}
	return fmt.Errorf("unsubscribe %s from %s: %w", userEmail, postalCode, notifier.ErrNotSubscribed)
}

// IsSubscribed reports whether userEmail is a confirmed subscriber of postalCode.
func (m *Manager) IsSubscribed(postalCode, userEmail string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[postalCode]
	if !ok {
		return false
	}
	return slices.ContainsFunc(t.subscribers, func(s notifier.Subscriber) bool { return s.UserEmail == userEmail })
}

// Subscribers returns a copy of the current subscribers of postalCode.
func (m *Manager) Subscribers(postalCode string) []notifier.Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[postalCode]
	if !ok {
		return nil
	}
	return slices.Clone(t.subscribers)
}

// Tasks lists live tasks ordered by postal code.
func (m *Manager) Tasks() []TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskInfo, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, TaskInfo{ID: t.id, PostalCode: t.postalCode, Subscribers: len(t.subscribers)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostalCode < out[j].PostalCode })
	return out
}

// Close stops every worker, waits for them to exit and drops their tasks. Later
// subscriptions fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for code, t := range m.tasks {
		m.metrics.SubscribersActive.Sub(float64(len(t.subscribers)))
		m.metrics.TasksActive.Dec()
		delete(m.tasks, code)
	}
}
