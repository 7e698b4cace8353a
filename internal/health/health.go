package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/nixmox/nixmox/internal/manifest"
)

// ErrTimeout reports that a probe never passed within its retry budget. The
// executor treats it as a transient failure until the work item's own budget
// runs out.
var ErrTimeout = errors.New("health probe timed out")

// CheckFunc runs one check attempt. The context carries the per-attempt
// timeout; a nil return means healthy.
type CheckFunc func(ctx context.Context) error

// Prober enforces the poll/timeout/retry contract uniformly. What a check
// actually does (URL or command) is opaque to it.
type Prober struct {
	client     *http.Client
	runCommand func(ctx context.Context, command string) error
	logger     *slog.Logger
}

func NewProber(logger *slog.Logger) *Prober {
	return &Prober{
		client: &http.Client{
			// Per-attempt deadlines come from the context; the client
			// itself must not cut them short.
			Timeout: 0,
		},
		runCommand: runShellCommand,
		logger:     logger,
	}
}

// Probe runs the service's startup probe once, then polls the liveness probe
// at the configured interval until it passes or the retry budget is
// exhausted. Services without a health facet are considered healthy.
func (p *Prober) Probe(ctx context.Context, svc *manifest.Service) error {
	facet := svc.Interface.Health
	if facet == nil {
		return nil
	}

	if facet.Startup != "" {
		if err := p.attempt(ctx, facet.Startup, facet.Timeout.Std()); err != nil {
			return fmt.Errorf("startup probe for %s failed: %w", svc.Name, err)
		}
		p.logger.Debug("startup probe passed", "service", svc.Name)
	}

	if facet.Liveness == "" {
		return nil
	}
	return p.poll(ctx, svc.Name, facet)
}

// poll drives the liveness loop. Each attempt gets its own deadline; the
// wait between attempts is a cancellable timer so a stuck probe never blocks
// the whole run.
func (p *Prober) poll(ctx context.Context, service string, facet *manifest.HealthFacet) error {
	var lastErr error
	attempts := facet.Retries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = p.attempt(ctx, facet.Liveness, facet.Timeout.Std())
		if lastErr == nil {
			p.logger.Debug("liveness probe passed", "service", service, "attempt", attempt)
			return nil
		}
		p.logger.Debug("liveness probe failed",
			"service", service, "attempt", attempt, "error", lastErr)

		if attempt == attempts {
			break
		}
		timer := time.NewTimer(facet.Interval.Std())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: service %s after %d attempts: %w", ErrTimeout, service, attempts, lastErr)
}

// attempt runs one check with its own deadline.
func (p *Prober) attempt(ctx context.Context, check string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if isURL(check) {
		return p.checkURL(ctx, check)
	}
	return p.runCommand(ctx, check)
}

func (p *Prober) checkURL(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid probe URL: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned %s", resp.Status)
	}
	return nil
}

func runShellCommand(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed != "" {
			return fmt.Errorf("probe command failed: %w (%s)", err, trimmed)
		}
		return fmt.Errorf("probe command failed: %w", err)
	}
	return nil
}

func isURL(check string) bool {
	return strings.HasPrefix(check, "http://") || strings.HasPrefix(check, "https://")
}
