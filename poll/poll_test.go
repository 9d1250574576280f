package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"citaprevia-notifier/metrics"
	"citaprevia-notifier/pkg/notifier"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePoller struct {
	fn    func(ctx context.Context, postalCode string) ([]notifier.Office, error)
	calls sync.Map // postal code -> *atomic.Int32
}

func (p *fakePoller) Poll(ctx context.Context, postalCode string) ([]notifier.Office, error) {
	n, _ := p.calls.LoadOrStore(postalCode, new(atomic.Int32))
	n.(*atomic.Int32).Add(1)
	if p.fn == nil {
		return nil, nil
	}
	return p.fn(ctx, postalCode)
}

func (p *fakePoller) Calls(postalCode string) int {
	n, ok := p.calls.Load(postalCode)
	if !ok {
		return 0
	}
	return int(n.(*atomic.Int32).Load())
}

type alert struct {
	subscribers []notifier.Subscriber
	offices     []notifier.Office
	postalCode  string
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alert
	err    error
	hang   bool // Block until the context ends, like a stuck mail transport
}

func (a *fakeAlerter) SendAlert(ctx context.Context, subs []notifier.Subscriber, offices []notifier.Office, postalCode string) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, alert{subscribers: subs, offices: offices, postalCode: postalCode})
	hang, err := a.hang, a.err
	a.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (a *fakeAlerter) Alerts() []alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alert(nil), a.alerts...)
}

type fixture struct {
	manager *Manager
	poller  *fakePoller
	alerter *fakeAlerter
	clock   *clock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, poll func(ctx context.Context, postalCode string) ([]notifier.Office, error)) *fixture {
	t.Helper()
	f := &fixture{
		poller:  &fakePoller{fn: poll},
		alerter: &fakeAlerter{},
		clock:   &clock{now: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	cfg := Config{
		Now:           f.clock.Now,
		SubscriberTTL: 24 * time.Hour,
		TickInterval:  time.Millisecond,
		PollTimeout:   50 * time.Millisecond,
		Ticks:         3,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.manager = New(cfg, f.poller, f.alerter, f.metrics, logger)
	t.Cleanup(f.manager.Close)
	return f
}

func (f *fixture) taskCount() int { return len(f.manager.Tasks()) }

func TestOneTaskPerPostalCode(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "t1")
	require.NoError(t, err)
	_, err = f.manager.AddSubscriber("28001", "c@d.com", "t2")
	require.NoError(t, err)
	_, err = f.manager.AddSubscriber("08001", "a@b.com", "t3")
	require.NoError(t, err)

	id1, err := f.manager.EnsureTask("28001")
	require.NoError(t, err)
	id2, err := f.manager.EnsureTask("28001")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	tasks := f.manager.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "08001", tasks[0].PostalCode)
	assert.Equal(t, "28001", tasks[1].PostalCode)
	assert.Equal(t, 2, tasks[1].Subscribers)
	assert.Equal(t, id1, tasks[1].ID)

	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.TasksActive), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(f.metrics.SubscribersActive), 0)
}

func TestAddSubscriber(t *testing.T) {
	f := newFixture(t, nil)

	sub, err := f.manager.AddSubscriber("28001", "a@b.com", "tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", sub.Token)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), sub.ExpiresAt)
	assert.True(t, f.manager.IsSubscribed("28001", "a@b.com"))
	assert.False(t, f.manager.IsSubscribed("28001", "c@d.com"))
	assert.False(t, f.manager.IsSubscribed("08001", "a@b.com"))

	_, err = f.manager.AddSubscriber("28001", "a@b.com", "other")
	require.ErrorIs(t, err, notifier.ErrAlreadySubscribed)

	subs := f.manager.Subscribers("28001")
	require.Len(t, subs, 1)
	assert.Equal(t, "tok", subs[0].Token, "a rejected duplicate must not replace the existing subscriber")
}

func TestRemoveSubscriberTearsDownTask(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "tok")
	require.NoError(t, err)
	require.NoError(t, f.manager.RemoveSubscriber("28001", "a@b.com"))

	err = f.manager.RemoveSubscriber("28001", "a@b.com")
	require.ErrorIs(t, err, notifier.ErrNotSubscribed, "removal is not idempotent")

	require.Eventually(t, func() bool { return f.taskCount() == 0 }, waitFor, time.Millisecond)
	assert.InDelta(t, 0, testutil.ToFloat64(f.metrics.TasksActive), 0)

	polls := f.poller.Calls("28001")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, f.poller.Calls("28001"), "no polling after teardown")
}

func TestRemoveSubscriberUnknown(t *testing.T) {
	f := newFixture(t, nil)

	require.ErrorIs(t, f.manager.RemoveSubscriber("28001", "a@b.com"), notifier.ErrNotSubscribed)

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "tok")
	require.NoError(t, err)
	require.ErrorIs(t, f.manager.RemoveSubscriber("28001", "c@d.com"), notifier.ErrNotSubscribed)
	assert.True(t, f.manager.IsSubscribed("28001", "a@b.com"))
}

func TestEnsureTaskWithoutSubscribersStops(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.manager.EnsureTask("28001")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.taskCount() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, f.poller.Calls("28001"))
}

func TestSubscriberExpiry(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "t1")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.manager.AddSubscriber("28001", "c@d.com", "t2")
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	require.Eventually(t, func() bool { return !f.manager.IsSubscribed("28001", "a@b.com") }, waitFor, time.Millisecond)
	assert.True(t, f.manager.IsSubscribed("28001", "c@d.com"))
	assert.Equal(t, 1, f.taskCount())

	f.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return f.taskCount() == 0 }, waitFor, time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.SubscribersExpired), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(f.metrics.SubscribersActive), 0)
}

func TestAlertsOnlyAvailableOffices(t *testing.T) {
	open := notifier.Office{ID: "1", Name: "Open", Available: true}
	closed := notifier.Office{ID: "2", Name: "Closed"}
	f := newFixture(t, func(context.Context, string) ([]notifier.Office, error) {
		return []notifier.Office{closed, open}, nil
	})

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "tok")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.alerter.Alerts()) > 0 }, waitFor, time.Millisecond)
	got := f.alerter.Alerts()[0]
	assert.Equal(t, "28001", got.postalCode)
	assert.Equal(t, []notifier.Office{open}, got.offices)
	require.Len(t, got.subscribers, 1)
	assert.Equal(t, "a@b.com", got.subscribers[0].UserEmail)
}

func TestNoAlertWithoutAvailability(t *testing.T) {
	tests := []struct {
		name    string
		offices []notifier.Office
	}{
		{"empty list", nil},
		{"nothing open", []notifier.Office{{ID: "1"}, {ID: "2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(context.Context, string) ([]notifier.Office, error) {
				return tt.offices, nil
			})
			_, err := f.manager.AddSubscriber("28001", "a@b.com", "tok")
			require.NoError(t, err)

			require.Eventually(t, func() bool { return f.poller.Calls("28001") >= 3 }, waitFor, time.Millisecond)
			assert.Empty(t, f.alerter.Alerts())
		})
	}
}

func TestPollFailureIsAbsorbed(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(context.Context, string) ([]notifier.Office, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return []notifier.Office{{ID: "1", Available: true}}, nil
	})

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "tok")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.alerter.Alerts()) > 0 }, waitFor, time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.Polls.WithLabelValues("error")), 1.0)
	assert.True(t, f.manager.IsSubscribed("28001", "a@b.com"))
}

func TestPollIsBounded(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, _ string) ([]notifier.Office, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "tok")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.poller.Calls("28001") >= 2 }, waitFor, time.Millisecond)
}

func TestAlertFailureIsAbsorbed(t *testing.T) {
	f := newFixture(t, func(context.Context, string) ([]notifier.Office, error) {
		return []notifier.Office{{ID: "1", Available: true}}, nil
	})
	f.alerter.err = errors.New("smtp down")

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "tok")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.alerter.Alerts()) >= 2 }, waitFor, time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues("error")), 2.0)
}

func TestAlertUsesSubscribersAfterPoll(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ string) ([]notifier.Office, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []notifier.Office{{ID: "1", Available: true}}, nil
	})
	f.manager.cfg.PollTimeout = waitFor

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "t1")
	require.NoError(t, err)
	_, err = f.manager.AddSubscriber("28001", "c@d.com", "t2")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.poller.Calls("28001") == 1 }, waitFor, time.Millisecond)
	require.NoError(t, f.manager.RemoveSubscriber("28001", "a@b.com"))
	close(release)

	require.Eventually(t, func() bool { return len(f.alerter.Alerts()) > 0 }, waitFor, time.Millisecond)
	subs := f.alerter.Alerts()[0].subscribers
	require.Len(t, subs, 1)
	assert.Equal(t, "c@d.com", subs[0].UserEmail)
}

func TestClose(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, _ string) ([]notifier.Office, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.manager.cfg.PollTimeout = time.Hour

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "tok")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.poller.Calls("28001") == 1 }, waitFor, time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.manager.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close did not wait for workers to stop")
	}

	_, err = f.manager.AddSubscriber("08001", "a@b.com", "tok")
	require.ErrorIs(t, err, ErrClosed)
}

func TestHungAlertDoesNotStallTeardown(t *testing.T) {
	f := newFixture(t, func(context.Context, string) ([]notifier.Office, error) {
		return []notifier.Office{{ID: "1", Available: true}}, nil
	})
	f.alerter.hang = true
	f.manager.cfg.AlertTimeout = 20 * time.Millisecond

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "tok")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.alerter.Alerts()) == 1 }, waitFor, time.Millisecond)

	require.NoError(t, f.manager.RemoveSubscriber("28001", "a@b.com"))

	// Budget: one alert timeout plus one round of housekeeping ticks.
	require.Eventually(t, func() bool { return f.taskCount() == 0 }, waitFor, time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues("error")), 1.0)
}

func TestCloseDropsTasks(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.manager.AddSubscriber("28001", "a@b.com", "t1")
	require.NoError(t, err)
	_, err = f.manager.AddSubscriber("28001", "c@d.com", "t2")
	require.NoError(t, err)
	_, err = f.manager.AddSubscriber("08001", "a@b.com", "t3")
	require.NoError(t, err)

	f.manager.Close()

	assert.Empty(t, f.manager.Tasks())
	assert.False(t, f.manager.IsSubscribed("28001", "a@b.com"))
	assert.InDelta(t, 0, testutil.ToFloat64(f.metrics.TasksActive), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(f.metrics.SubscribersActive), 0)
}
