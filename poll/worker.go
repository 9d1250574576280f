package poll

import (
	"context"
	"errors"
	"slices"
	"time"

	"citaprevia-notifier/pkg/notifier"
)

// run is the task's worker: poll, alert, then housekeeping ticks until the
// subscriber set is found empty.
func (m *Manager) run(t *task) {
	defer m.wg.Done()

	logger := m.logger.With("task_id", t.id, "postal_code", t.postalCode)
	logger.Info("Task started")

	timer := time.NewTimer(m.cfg.TickInterval)
	defer timer.Stop()

	for {
		m.cycle(t)

		for range m.cfg.Ticks {
			if m.housekeep(t) {
				logger.Info("Task finished")
				return
			}
			timer.Reset(m.cfg.TickInterval)
			select {
			case <-m.ctx.Done():
				logger.Info("Task cancelled")
				return
			case <-timer.C:
			}
		}
	}
}

// cycle performs one poll and, if any office is open, one alert. Failures are
// logged and absorbed.
func (m *Manager) cycle(t *task) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.PollTimeout)
	defer cancel()

	start := time.Now()
	offices, err := m.poller.Poll(ctx, t.postalCode)
	duration := time.Since(start)
	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn("Availability poll failed",
			"task_id", t.id,
			"postal_code", t.postalCode,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		m.metrics.Polls.WithLabelValues("error").Inc()
		offices = nil
	}

	available := slices.DeleteFunc(slices.Clone(offices), func(o notifier.Office) bool { return !o.Available })
	if err == nil {
		if len(available) > 0 {
			m.metrics.Polls.WithLabelValues("available").Inc()
		} else {
			m.metrics.Polls.WithLabelValues("empty").Inc()
		}
	}

	// Subscribers may have changed while the poll was in flight.
	subs := m.snapshot(t)

	var expiresIn time.Duration
	for _, s := range subs {
		expiresIn = max(expiresIn, s.ExpiresAt.Sub(m.cfg.Now()))
	}
	m.logger.Info("Poll cycle completed",
		"task_id", t.id,
		"postal_code", t.postalCode,
		"subscribers", len(subs),
		"offices", len(offices),
		"available", len(available),
		"expires_in_s", int(expiresIn.Seconds()),
		"duration_ms", duration.Milliseconds())

	if len(available) == 0 || len(subs) == 0 {
		return
	}
	alertCtx, cancelAlert := context.WithTimeout(m.ctx, m.cfg.AlertTimeout)
	defer cancelAlert()
	if err := m.alerter.SendAlert(alertCtx, subs, available, t.postalCode); err != nil {
		m.logger.Error("Alert delivery failed",
			"task_id", t.id,
			"postal_code", t.postalCode,
			"timed_out", errors.Is(alertCtx.Err(), context.DeadlineExceeded),
			"error", err)
		m.metrics.Alerts.WithLabelValues("error").Inc()
		return
	}
	m.metrics.Alerts.WithLabelValues("sent").Inc()
}

func (m *Manager) snapshot(t *task) []notifier.Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(t.subscribers)
}

// housekeep drops expired subscribers and reports whether the task has been
// torn down because it has none left.
func (m *Manager) housekeep(t *task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(t.subscribers) == 0 {
		if m.tasks[t.postalCode] == t {
			delete(m.tasks, t.postalCode)
			m.metrics.TasksActive.Dec()
		}
		return true
	}

	now := m.cfg.Now()
	t.subscribers = slices.DeleteFunc(t.subscribers, func(s notifier.Subscriber) bool {
		if now.Before(s.ExpiresAt) {
			return false
		}
		m.metrics.SubscribersActive.Dec()
		m.metrics.SubscribersExpired.Inc()
		m.logger.Info("Subscriber expired",
			"task_id", t.id,
			"postal_code", t.postalCode,
			"email", s.UserEmail)
		return true
	})
	return false
}
