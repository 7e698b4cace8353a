package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixmox/nixmox/internal/manifest"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serviceWithHealth(facet *manifest.HealthFacet) *manifest.Service {
	return &manifest.Service{
		Name:      "probe-target",
		Interface: manifest.Interface{Health: facet},
	}
}

func fastFacet(startup, liveness string, retries int) *manifest.HealthFacet {
	return &manifest.HealthFacet{
		Startup:  startup,
		Liveness: liveness,
		Interval: manifest.Duration(5 * time.Millisecond),
		Timeout:  manifest.Duration(500 * time.Millisecond),
		Retries:  retries,
	}
}

func TestProbeNoFacetIsHealthy(t *testing.T) {
	p := NewProber(discard())
	assert.NoError(t, p.Probe(context.Background(), &manifest.Service{Name: "bare"}))
}

func TestURLProbePassesOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(discard())
	err := p.Probe(context.Background(), serviceWithHealth(fastFacet("", srv.URL+"/alive", 2)))
	assert.NoError(t, err)
}

func TestURLProbeRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(discard())
	err := p.Probe(context.Background(), serviceWithHealth(fastFacet("", srv.URL, 5)))
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestURLProbeExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProber(discard())
	err := p.Probe(context.Background(), serviceWithHealth(fastFacet("", srv.URL, 2)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestStartupProbeGatesLiveness(t *testing.T) {
	p := NewProber(discard())
	livenessRan := false
	p.runCommand = func(_ context.Context, command string) error {
		if command == "check-liveness" {
			livenessRan = true
			return nil
		}
		return errors.New("startup broken")
	}

	err := p.Probe(context.Background(), serviceWithHealth(fastFacet("check-startup", "check-liveness", 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup probe")
	assert.False(t, livenessRan, "liveness must not run before startup passes")
}

func TestCommandProbe(t *testing.T) {
	p := NewProber(discard())

	err := p.Probe(context.Background(), serviceWithHealth(fastFacet("true", "true", 0)))
	assert.NoError(t, err)

	err = p.Probe(context.Background(), serviceWithHealth(fastFacet("", "false", 1)))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestProbeCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	facet := fastFacet("", srv.URL, 1000)
	facet.Interval = manifest.Duration(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	p := NewProber(discard())
	start := time.Now()
	err := p.Probe(ctx, serviceWithHealth(facet))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second, "cancellation interrupts the poll loop promptly")
}
