// Package email sends availability alerts and subscription confirmations via
// pluggable providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"citaprevia-notifier/pkg/notifier"
)

// Sender renders and sends emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	now      func() time.Time
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
		now:      time.Now,
	}
}

// SendAlert emails every subscriber the list of offices with open slots.
// Each subscriber gets their own copy with a personal removal link. Delivery is
// best-effort: failures for individual recipients are joined into the returned error.
func (s *Sender) SendAlert(ctx context.Context, subscribers []notifier.Subscriber, offices []notifier.Office, postalCode string) error {
	if len(subscribers) == 0 || len(offices) == 0 {
		return nil
	}

	subject := alertSubject(s.now(), len(offices))

	var errs []error
	for _, sub := range subscribers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		body := s.formatAlertBody(sub, offices, postalCode)
		if err := s.provider.Send(ctx, sub.UserEmail, subject, body); err != nil {
			s.logger.Warn("Failed to send alert email", "to", sub.UserEmail, "postal_code", postalCode, "error", err)
			errs = append(errs, fmt.Errorf("send to %s: %w", sub.UserEmail, err))
			continue
		}
	}

	s.logger.Info("Email alert sent",
		"postal_code", postalCode,
		"subscribers", len(subscribers),
		"offices", len(offices),
		"failed", len(errs))

	return errors.Join(errs...)
}

// SendConfirmation tells a subscriber that their alert is active and how to stop it.
func (s *Sender) SendConfirmation(ctx context.Context, sub notifier.Subscriber, postalCode string) error {
	subject := "Subscription confirmed - postal code " + postalCode
	body := s.formatConfirmationBody(sub, postalCode)

	s.logger.Info("Sending confirmation email",
		"to", sub.UserEmail,
		"postal_code", postalCode)

	return s.provider.Send(ctx, sub.UserEmail, subject, body)
}

func alertSubject(now time.Time, offices int) string {
	noun := "offices"
	if offices == 1 {
		noun = "office"
	}
	return fmt.Sprintf("Alert - %s - %d %s available", now.Format("2006-01-02 15:04"), offices, noun)
}

func (s *Sender) removeURL(token string) string {
	return fmt.Sprintf("%s/subscription/remove?token=%s", s.baseURL, url.QueryEscape(token))
}
