package email

import (
	"fmt"
	"strings"

	"citaprevia-notifier/pkg/notifier"
)

const baseStyle = "body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n" +
	".header { border-bottom: 2px solid #c0392b; padding-bottom: 10px; margin-bottom: 20px; }\n" +
	".office { margin-bottom: 20px; padding: 15px; background: #f8f9fa; border-radius: 8px; }\n" +
	".office h3 { margin: 0 0 8px 0; color: #c0392b; }\n" +
	".slot { font-weight: 600; }\n" +
	".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n" +
	".footer a { color: #7f8c8d; text-decoration: underline; }\n" +
	"@media (prefers-color-scheme: dark) {\n" +
	"body { background: #1a1a1a; color: #e0e0e0; }\n" +
	".office { background: #2a2a2a; }\n" +
	".footer, .footer a { color: #a0a0a0; }\n" +
	"}\n"

func writeHead(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString(baseStyle)
	b.WriteString("</style>\n</head>\n<body>\n")
}

func (s *Sender) formatAlertBody(sub notifier.Subscriber, offices []notifier.Office, postalCode string) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString("<div class=\"header\">\n")
	if len(offices) == 1 {
		fmt.Fprintf(&b, "<h2>1 office with appointments near %s</h2>\n", escapeHTML(postalCode))
	} else {
		fmt.Fprintf(&b, "<h2>%d offices with appointments near %s</h2>\n", len(offices), escapeHTML(postalCode))
	}
	b.WriteString("</div>\n")

	for _, o := range offices {
		fmt.Fprintf(&b, "<div class=\"office\" data-office-id=\"%s\">\n", escapeHTML(o.ID))
		fmt.Fprintf(&b, "<h3>%s</h3>\n", escapeHTML(o.Name))
		if o.FirstAvailable != "" {
			fmt.Fprintf(&b, "<p class=\"slot\">First available: %s</p>\n", escapeHTML(o.FirstAvailable))
		}
		b.WriteString("<ul>\n")
		if o.Address != "" {
			fmt.Fprintf(&b, "<li>Address: %s</li>\n", escapeHTML(o.Address))
		}
		if o.Phone != "" {
			fmt.Fprintf(&b, "<li>Phone: %s</li>\n", escapeHTML(o.Phone))
		}
		if o.WorkingHours != "" {
			fmt.Fprintf(&b, "<li>Hours: %s</li>\n", escapeHTML(o.WorkingHours))
		}
		b.WriteString("</ul>\n")
		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(&b, "<p>This alert expires on %s UTC.</p>\n", sub.ExpiresAt.UTC().Format("Jan 2, 2006 at 3:04 PM"))
	fmt.Fprintf(&b, "<a class=\"remove\" href=\"%s\">Stop these alerts</a>\n", escapeHTML(s.removeURL(sub.Token)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func (s *Sender) formatConfirmationBody(sub notifier.Subscriber, postalCode string) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString("<div class=\"header\">\n")
	b.WriteString("<h2>Appointment Alert Confirmed</h2>\n")
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	fmt.Fprintf(&b, "<p>We'll email you whenever an office near postal code <strong>%s</strong> has open appointments.</p>\n", escapeHTML(postalCode))
	fmt.Fprintf(&b, "<p>Your alert stays active until %s UTC.</p>\n", sub.ExpiresAt.UTC().Format("Jan 2, 2006 at 3:04 PM"))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(&b, "<a class=\"remove\" href=\"%s\">Cancel this alert</a>\n", escapeHTML(s.removeURL(sub.Token)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
