package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"citaprevia-notifier/pkg/notifier"
	"citaprevia-notifier/postal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry() *postal.Registry {
	return postal.New(map[string]notifier.Location{
		"28001": {Latitude: "40.4256", Longitude: "-3.6838"},
	})
}

func TestPollSendsFormAndParsesOffices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "28001", r.PostForm.Get("codigoPostal"))
		assert.Equal(t, "40.4256", r.PostForm.Get("latOrigen"))
		assert.Equal(t, "-3.6838", r.PostForm.Get("lngOrigen"))
		assert.Equal(t, "39", r.PostForm.Get("idCliente"))
		assert.Equal(t, "5", r.PostForm.Get("idsJerarquiaTramites"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"listaOficina": [
			{"codigoOficina": 2801, "oficina": "Madrid Centro", "direccion": "Calle Mayor 1",
			 "telefono": "910000000", "horarioAtencion": "9:00-14:00", "primerHuecoDisponible": "20/10/2026 09:30"},
			{"codigoOficina": "2802", "oficina": "Madrid Norte", "direccion": "Calle Norte 2",
			 "telefono": null, "horarioAtencion": "9:00-14:00", "primerHuecoDisponible": null},
			{"codigoOficina": "2803", "oficina": "Madrid Sur", "primerHuecoDisponible": true}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.Client(), testRegistry(), srv.URL, testLogger())
	offices, err := c.Poll(context.Background(), "28001")
	require.NoError(t, err)
	require.Len(t, offices, 3)

	assert.Equal(t, notifier.Office{
		ID:             "2801",
		Name:           "Madrid Centro",
		Address:        "Calle Mayor 1",
		Phone:          "910000000",
		WorkingHours:   "9:00-14:00",
		FirstAvailable: "20/10/2026 09:30",
		Available:      true,
	}, offices[0])
	assert.False(t, offices[1].Available)
	assert.Empty(t, offices[1].Phone)
	assert.True(t, offices[2].Available)
	assert.Empty(t, offices[2].FirstAvailable)
}

func TestPollEmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := New(srv.Client(), testRegistry(), srv.URL, testLogger())
	offices, err := c.Poll(context.Background(), "28001")
	require.NoError(t, err)
	assert.Empty(t, offices)
}

func TestPollFailures(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantDetail string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "maintenance page",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				_, _ = io.WriteString(w, `<html><head><title>Servicio en mantenimiento</title></head><body><p>Vuelva más tarde</p></body></html>`)
			},
			wantStatus: http.StatusOK,
			wantDetail: "unexpected HTML page: Servicio en mantenimiento",
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"listaOficina": [`)
			},
			wantStatus: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := New(srv.Client(), testRegistry(), srv.URL, testLogger())
			_, err := c.Poll(context.Background(), "28001")
			require.Error(t, err)
			require.True(t, IsProviderError(err))

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "28001", pe.PostalCode)
			assert.Equal(t, tt.wantStatus, pe.StatusCode)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, pe.Detail)
			}
		})
	}
}

func TestPollUnknownPostalCode(t *testing.T) {
	c := New(http.DefaultClient, testRegistry(), "http://127.0.0.1:0", testLogger())
	_, err := c.Poll(context.Background(), "99999")
	require.ErrorIs(t, err, notifier.ErrUnknownPostalCode)
	assert.True(t, IsProviderError(err))
}

func TestPollHonoursContextTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.Client(), testRegistry(), srv.URL, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Poll(ctx, "28001")
	require.Error(t, err)
	assert.True(t, IsProviderError(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`true`, true},
		{`false`, false},
		{`null`, false},
		{`""`, false},
		{`"  "`, false},
		{`"09:30"`, true},
		{`0`, false},
		{`1`, true},
		{``, false},
		{`[]`, false},
		{`[ ]`, false},
		{`{ }`, false},
		{`["09:30"]`, true},
		{`{"hora": "09:30"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, truthy([]byte(tt.raw)))
		})
	}
}

func TestPageSummaryKeepsRunesWhole(t *testing.T) {
	title := strings.Repeat("á", 200)
	got := pageSummary([]byte("<html><head><title>" + title + "</title></head></html>"))

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, maxSummaryRunes, utf8.RuneCountInString(got))
	assert.Equal(t, "Información", pageSummary([]byte("<h1>Información</h1>")))
}
