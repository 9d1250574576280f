package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridProvider sends emails via the SendGrid v3 API.
type SendGridProvider struct {
	client   *sendgrid.Client
	logger   *slog.Logger
	fromAddr string
	fromName string
}

// NewSendGridProvider creates a new SendGrid email provider.
func NewSendGridProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *SendGridProvider {
	return &SendGridProvider{
		client:   sendgrid.NewSendClient(apiKey),
		fromAddr: fromAddr,
		fromName: fromName,
		logger:   logger,
	}
}

// Send sends an email via SendGrid.
func (s *SendGridProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	from := mail.NewEmail(s.fromName, s.fromAddr)
	msg := mail.NewSingleEmail(from, sanitizeHeader(subject), mail.NewEmail("", to), "", htmlBody)

	return retry.Do(
		func() error {
			startTime := time.Now()
			resp, err := s.client.SendWithContext(ctx, msg)
			duration := time.Since(startTime)
			if err != nil {
				s.logger.Warn("SendGrid request failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			if resp.StatusCode >= 300 {
				s.logger.Warn("SendGrid returned non-2xx status",
					"status_code", resp.StatusCode,
					"to", to,
					"body", resp.Body)
				statusErr := fmt.Errorf("HTTP %d", resp.StatusCode)
				if resp.StatusCode < 500 && resp.StatusCode != 429 {
					return retry.Unrecoverable(statusErr)
				}
				return statusErr
			}

			s.logger.Info("SendGrid request completed",
				"to", to,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying SendGrid email send after error", "attempt", n, "error", err)
		}),
	)
}
