package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// config holds settings read from the environment.
type config struct {
	port          string
	secretKey     string
	dataPath      string
	postalBucket  string
	postalObject  string
	providerURL   string
	emailProvider string
	googleCreds   string
	brevoKey      string
	sendgridKey   string
	fromAddress   string
	fromName      string
	baseURL       string
	corsOrigins   []string

	maxPostalCode   int
	queuePerHour    int
	providerTimeout time.Duration
	insecureTLS     bool
	logLevel        slog.Level
}

// production reports whether reference data comes from Cloud Storage, which is
// how the service is deployed.
func (c *config) production() bool {
	return c.postalBucket != ""
}

func loadConfig(getenv func(string) string) (*config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	c := &config{
		port:          get("PORT", "8080"),
		secretKey:     get("SECRET_KEY", ""),
		dataPath:      get("DATA_PATH", "./data"),
		postalBucket:  get("POSTAL_BUCKET", ""),
		postalObject:  get("POSTAL_OBJECT", "postal.json"),
		providerURL:   get("PROVIDER_URL", ""),
		emailProvider: strings.ToLower(get("EMAIL_PROVIDER", "")),
		googleCreds:   get("GOOGLE_CREDENTIALS_JSON", ""),
		brevoKey:      get("BREVO_API_KEY", ""),
		sendgridKey:   get("SENDGRID_API_KEY", ""),
		fromAddress:   get("FROM_ADDRESS", ""),
		fromName:      get("FROM_NAME", "Cita Previa Alerts"),
		baseURL:       strings.TrimSuffix(get("BASE_URL", ""), "/"),
	}
	for _, o := range strings.Split(get("CORS_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.corsOrigins = append(c.corsOrigins, o)
		}
	}

	var errs []error
	var err error
	if c.maxPostalCode, err = strconv.Atoi(get("MAX_POSTAL_CODE", "52006")); err != nil || c.maxPostalCode <= 0 {
		errs = append(errs, errors.New("MAX_POSTAL_CODE: must be a positive integer"))
	}
	if c.queuePerHour, err = strconv.Atoi(get("QUEUE_RATE_LIMIT", "5")); err != nil || c.queuePerHour <= 0 {
		errs = append(errs, errors.New("QUEUE_RATE_LIMIT: must be a positive integer"))
	}
	if c.providerTimeout, err = time.ParseDuration(get("PROVIDER_TIMEOUT", "30s")); err != nil || c.providerTimeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT: must be a positive duration"))
	}
	if c.insecureTLS, err = strconv.ParseBool(get("PROVIDER_INSECURE_TLS", "false")); err != nil {
		errs = append(errs, fmt.Errorf("PROVIDER_INSECURE_TLS: %w", err))
	}
	if err := c.logLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	switch c.emailProvider {
	case "", "mock", "gmail":
	case "brevo":
		if c.brevoKey == "" || c.fromAddress == "" {
			errs = append(errs, errors.New("EMAIL_PROVIDER=brevo requires BREVO_API_KEY and FROM_ADDRESS"))
		}
	case "sendgrid":
		if c.sendgridKey == "" || c.fromAddress == "" {
			errs = append(errs, errors.New("EMAIL_PROVIDER=sendgrid requires SENDGRID_API_KEY and FROM_ADDRESS"))
		}
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER: unknown provider %q", c.emailProvider))
	}

	if c.production() {
		if c.secretKey == "" {
			errs = append(errs, errors.New("SECRET_KEY environment variable required"))
		}
		if c.baseURL == "" {
			errs = append(errs, errors.New("BASE_URL environment variable required (e.g., https://your-service.run.app)"))
		}
	} else if c.baseURL == "" {
		c.baseURL = "http://localhost:" + c.port
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}
