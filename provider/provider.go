// Package provider fetches office availability from the SEPE appointment service.
package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"citaprevia-notifier/pkg/notifier"

	"github.com/PuerkitoBio/goquery"
)

// DefaultURL is the office map endpoint used by the public appointment site.
const DefaultURL = "https://citaprevia-sede.sepe.gob.es/citapreviasepe/cita/cargaOficinasMapa"

const (
	maxBodyBytes    = 4 << 20
	maxSummaryRunes = 120
)

// Error describes a failed availability poll.
type Error struct {
	Err        error
	PostalCode string
	Detail     string
	StatusCode int
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "poll %s", e.PostalCode)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsProviderError checks if an error came from an availability poll.
func IsProviderError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// Locator resolves the coordinates sent along with a postal code.
type Locator interface {
	Lookup(code string) (notifier.Location, bool)
}

// Client polls the availability endpoint.
type Client struct {
	client   *http.Client
	locator  Locator
	logger   *slog.Logger
	endpoint string
}

// New creates a new availability client.
func New(client *http.Client, locator Locator, endpoint string, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	return &Client{
		client:   client,
		locator:  locator,
		endpoint: endpoint,
		logger:   logger,
	}
}

// NewHTTPClient returns the HTTP client used for polling. The SEPE host has
// historically served an incomplete certificate chain, hence insecureTLS.
func NewHTTPClient(timeout time.Duration, insecureTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via PROVIDER_INSECURE_TLS
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Poll returns every office near postalCode. Offices with open slots have Available set.
// It makes a single attempt; callers decide what a failure means for their cycle.
func (c *Client) Poll(ctx context.Context, postalCode string) ([]notifier.Office, error) {
	loc, ok := c.locator.Lookup(postalCode)
	if !ok {
		return nil, &Error{PostalCode: postalCode, Err: notifier.ErrUnknownPostalCode}
	}

	form := url.Values{
		"idCliente":            {"39"},
		"codigoEntidad":        {""},
		"idGrupoServicio":      {"8"},
		"idTipoAtencion":       {"1"},
		"idTipoAtencionTR":     {"0"},
		"codigoPostal":         {postalCode},
		"latOrigen":            {loc.Latitude},
		"lngOrigen":            {loc.Longitude},
		"idsJerarquiaTramites": {"5"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{PostalCode: postalCode, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	c.logger.Debug("HTTP request starting",
		"method", "POST",
		"url", c.endpoint,
		"postal_code", postalCode)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		return nil, &Error{PostalCode: postalCode, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{PostalCode: postalCode, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debug("HTTP request completed",
		"url", c.endpoint,
		"postal_code", postalCode,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", len(body))

	if isHTML(resp.Header.Get("Content-Type"), body) {
		return nil, &Error{PostalCode: postalCode, StatusCode: resp.StatusCode, Detail: "unexpected HTML page: " + pageSummary(body)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{PostalCode: postalCode, StatusCode: resp.StatusCode}
	}

	offices, err := parseOffices(body)
	if err != nil {
		return nil, &Error{PostalCode: postalCode, StatusCode: resp.StatusCode, Err: err}
	}
	return offices, nil
}

type officeList struct {
	Offices []rawOffice `json:"listaOficina"`
}

type rawOffice struct {
	ID           json.RawMessage `json:"codigoOficina"`
	Name         json.RawMessage `json:"oficina"`
	Address      json.RawMessage `json:"direccion"`
	Phone        json.RawMessage `json:"telefono"`
	WorkingHours json.RawMessage `json:"horarioAtencion"`
	FirstSlot    json.RawMessage `json:"primerHuecoDisponible"`
}

func parseOffices(body []byte) ([]notifier.Office, error) {
	var list officeList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("unmarshal offices: %w", err)
	}

	offices := make([]notifier.Office, 0, len(list.Offices))
	for _, o := range list.Offices {
		offices = append(offices, notifier.Office{
			ID:             text(o.ID),
			Name:           text(o.Name),
			Address:        text(o.Address),
			Phone:          text(o.Phone),
			WorkingHours:   text(o.WorkingHours),
			FirstAvailable: text(o.FirstSlot),
			Available:      truthy(o.FirstSlot),
		})
	}
	return offices, nil
}

// text renders a JSON scalar as a string; null, objects and arrays become "".
func text(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case 'n', '{', '[', 't', 'f':
		return ""
	default:
		return string(raw)
	}
}

// truthy reports whether the first-slot field announces availability.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case 't':
		return true
	case 'f', 'n':
		return false
	case '"':
		return text(raw) != ""
	case '{':
		var m map[string]json.RawMessage
		return json.Unmarshal(raw, &m) == nil && len(m) > 0
	case '[':
		var a []json.RawMessage
		return json.Unmarshal(raw, &a) == nil && len(a) > 0
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return false
		}
		f, err := n.Float64()
		return err == nil && f != 0
	}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// pageSummary extracts a short human-readable reason from an HTML error or maintenance page.
func pageSummary(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "unparseable"
	}
	for _, sel := range []string{"title", "h1", "h2", "p"} {
		if s := strings.Join(strings.Fields(doc.Find(sel).First().Text()), " "); s != "" {
			return truncate(s, maxSummaryRunes)
		}
	}
	return "empty page"
}
