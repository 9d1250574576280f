// Package postal holds the postal code reference data: the set of valid codes and the
// coordinates sent to the availability source for each of them.
package postal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"citaprevia-notifier/pkg/notifier"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// Registry is an immutable postal code lookup table.
type Registry struct {
	locations map[string]notifier.Location
	codes     []string
}

// New builds a registry from an in-memory table.
func New(locations map[string]notifier.Location) *Registry {
	r := &Registry{
		locations: make(map[string]notifier.Location, len(locations)),
		codes:     make([]string, 0, len(locations)),
	}
	for code, loc := range locations {
		r.locations[code] = loc
		r.codes = append(r.codes, code)
	}
	slices.Sort(r.codes)
	return r
}

// rawLocation accepts coordinates written either as JSON numbers or strings.
type rawLocation struct {
	Latitude  json.RawMessage `json:"latitud"`
	Longitude json.RawMessage `json:"longitud"`
}

// Parse decodes postal.json: {"28001": {"latitud": 40.42, "longitud": -3.68}, ...}.
func Parse(data []byte) (*Registry, error) {
	var raw map[string]rawLocation
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal postal data: %w", err)
	}

	locations := make(map[string]notifier.Location, len(raw))
	for code, r := range raw {
		lat, err := coordinate(r.Latitude)
		if err != nil {
			return nil, fmt.Errorf("postal code %s latitude: %w", code, err)
		}
		lng, err := coordinate(r.Longitude)
		if err != nil {
			return nil, fmt.Errorf("postal code %s longitude: %w", code, err)
		}
		locations[code] = notifier.Location{Latitude: lat, Longitude: lng}
	}
	return New(locations), nil
}

func coordinate(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// LoadFile reads the registry from a local postal.json.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read postal data: %w", err)
	}
	return Parse(data)
}

// LoadObject reads the registry from a Cloud Storage object.
func LoadObject(ctx context.Context, client *storage.Client, bucket, object string, logger *slog.Logger) (*Registry, error) {
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := client.Bucket(bucket).Object(object).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) || errors.Is(openErr, storage.ErrBucketNotExist) {
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			logger.Info("Retrying postal data load after error", "attempt", n, "bucket", bucket, "object", object, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}

	reg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	logger.Info("Postal data loaded from storage", "bucket", bucket, "object", object, "codes", reg.Len())
	return reg, nil
}

// Lookup returns the location for code.
func (r *Registry) Lookup(code string) (notifier.Location, bool) {
	loc, ok := r.locations[code]
	return loc, ok
}

// Contains reports whether code is a known postal code.
func (r *Registry) Contains(code string) bool {
	_, ok := r.locations[code]
	return ok
}

// Codes returns every known code in ascending order.
func (r *Registry) Codes() []string {
	return slices.Clone(r.codes)
}

// Len returns the number of known codes.
func (r *Registry) Len() int {
	return len(r.codes)
}
