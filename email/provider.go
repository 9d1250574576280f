package email

import (
	"context"
	"strings"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an HTML email to a single recipient.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// sanitizeHeader strips CR, LF and other control characters so a value cannot
// inject extra headers into a MIME message.
func sanitizeHeader(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
