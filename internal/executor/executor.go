package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nixmox/nixmox/internal/collab"
	"github.com/nixmox/nixmox/internal/diff"
	"github.com/nixmox/nixmox/internal/graph"
	"github.com/nixmox/nixmox/internal/manifest"
	"github.com/nixmox/nixmox/internal/secrets"
	"github.com/nixmox/nixmox/internal/state"
)

// Prober is the health gate the engine consults after applying work.
type Prober interface {
	Probe(ctx context.Context, svc *manifest.Service) error
}

// Config tunes retry and concurrency behavior.
type Config struct {
	RetryBudget int           // extra attempts after the first failure
	RetryDelay  time.Duration // wait before a retry
	Backoff     bool          // double the delay after each failed attempt
	Parallelism int           // concurrent work items within a layer
}

func (c Config) withDefaults() Config {
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	return c
}

// Engine walks the ordered plan phase by phase, dispatching each work item
// to its collaborator and gating phase crossings on health.
type Engine struct {
	cfg     Config
	collabs *collab.Set
	prober  Prober
	secrets secrets.Resolver
	logger  *slog.Logger
}

func New(cfg Config, collabs *collab.Set, prober Prober, resolver secrets.Resolver, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		collabs: collabs,
		prober:  prober,
		secrets: resolver,
		logger:  logger,
	}
}

// Run executes the plan. The returned summary is non-nil even on error:
// partial progress is already persisted and the caller reports it.
//
// Ordering guarantees: items run phase by phase, layer by layer within a
// phase, concurrently within a layer bounded by Parallelism. A fatally
// failed item halts its phase after in-flight items finish; later phases do
// not start. Cancellation lets in-flight collaborator calls complete but
// starts nothing new.
func (e *Engine) Run(ctx context.Context, m *manifest.Manifest, st *state.Store, items []diff.WorkItem) (*Summary, error) {
	runID := uuid.NewString()
	st.SetRunID(runID)
	logger := e.logger.With("run_id", runID)

	summary := newSummary(items)

	// Unresolvable credential references are structural: abort before any
	// work item executes rather than mid-fleet.
	if err := e.preflight(m, items); err != nil {
		return summary, err
	}

	writer := startWriter(st)
	defer writer.stop()

	for _, phase := range phasesOf(items) {
		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			break
		}
		phaseItems := itemsInPhase(items, phase)
		logger.Info("starting phase", "phase", phase.String(), "items", len(phaseItems))

		halted := e.runPhase(ctx, logger, m, writer, summary, phaseItems)
		if halted {
			logger.Error("phase halted, later phases will not start", "phase", phase.String())
			break
		}
	}

	if ctx.Err() != nil {
		summary.Cancelled = true
	}
	return summary, summary.runError()
}

// runPhase executes one phase layer by layer and reports whether the phase
// halted (fatal failure or cancellation).
func (e *Engine) runPhase(ctx context.Context, logger *slog.Logger, m *manifest.Manifest, writer *stateWriter, summary *Summary, items []diff.WorkItem) bool {
	for _, layer := range layersOf(items) {
		if ctx.Err() != nil {
			return true
		}

		// Plain group, not WithContext: a fatal item must not cancel its
		// in-flight siblings, only stop later layers.
		var group errgroup.Group
		group.SetLimit(e.cfg.Parallelism)

		for _, item := range itemsInLayer(items, layer) {
			if ctx.Err() != nil {
				break
			}
			if item.Action == diff.ActionSkip {
				summary.set(item, StatusSkipped, 0, nil)
				logger.Info("skipping by operator override", "service", item.Service, "kind", string(item.Kind))
				continue
			}

			group.Go(func() error {
				result := e.runItem(ctx, logger, m, writer, item)
				summary.set(item, result.Status, result.Attempts, result.Err)
				if result.Status == StatusFatallyFailed {
					return result.Err
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return true
		}
		if ctx.Err() != nil {
			return true
		}
	}
	return false
}

// runItem drives one work item through Pending -> Applying -> Succeeded, or
// retries transient failures until the budget runs out.
func (e *Engine) runItem(ctx context.Context, logger *slog.Logger, m *manifest.Manifest, writer *stateWriter, item diff.WorkItem) itemResult {
	svc, ok := m.Lookup(item.Service)
	if !ok {
		// Plans are built from the same manifest, so this is a programming
		// error, not an operator mistake.
		return itemResult{Status: StatusFatallyFailed, Err: fmt.Errorf("service %s not in manifest", item.Service)}
	}

	attempts := e.cfg.RetryBudget + 1
	delay := e.cfg.RetryDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Info("applying",
			"service", item.Service, "kind", string(item.Kind),
			"action", string(item.Action), "attempt", attempt)

		// The collaborator call itself is not aborted on cancellation;
		// only new work stops.
		lastErr = e.apply(context.WithoutCancel(ctx), item, svc)

		if lastErr == nil && wantsHealthGate(item.Kind) {
			if err := e.prober.Probe(ctx, svc); err != nil {
				writer.markHealth(item.Service, "unhealthy")
				lastErr = err
			} else {
				writer.markHealth(item.Service, "healthy")
			}
		}

		if lastErr == nil {
			if err := writer.record(item.Service, item.Kind, item.Fingerprint); err != nil {
				return itemResult{Status: StatusFatallyFailed, Attempts: attempt,
					Err: fmt.Errorf("%s/%s applied but state write failed: %w", item.Service, item.Kind, err)}
			}
			logger.Info("succeeded", "service", item.Service, "kind", string(item.Kind), "attempts", attempt)
			return itemResult{Status: StatusSucceeded, Attempts: attempt}
		}

		if collab.IsFatal(lastErr) || errors.Is(lastErr, context.Canceled) {
			break
		}
		if attempt < attempts {
			logger.Warn("transient failure, will retry",
				"service", item.Service, "kind", string(item.Kind),
				"attempt", attempt, "delay", delay.String(), "error", lastErr)
			if !sleepCtx(ctx, delay) {
				break
			}
			if e.cfg.Backoff {
				delay *= 2
			}
		}
	}

	err := fmt.Errorf("%s %s/%s: %w", item.Action, item.Service, item.Kind, lastErr)
	logger.Error("fatally failed", "service", item.Service, "kind", string(item.Kind), "error", lastErr)
	return itemResult{Status: StatusFatallyFailed, Attempts: attempts, Err: err}
}

// apply dispatches a work item to its external collaborator.
func (e *Engine) apply(ctx context.Context, item diff.WorkItem, svc *manifest.Service) error {
	switch item.Kind {
	case state.KindContainer:
		creds, err := e.resolveCredentials(svc)
		if err != nil {
			return collab.Fatal(err)
		}
		_, err = e.collabs.Provisioner.CreateOrUpdate(ctx, collab.ContainerSpec{
			Name:        svc.Name,
			Hostname:    svc.Hostname,
			IP:          svc.IP,
			VMID:        svc.VMID,
			Resources:   svc.Resources,
			Ports:       svc.Ports,
			Terraform:   svc.Interface.Terraform,
			Credentials: creds,
		})
		return err

	case state.KindIdentity:
		auth := svc.Interface.Auth
		if auth == nil {
			return collab.Fatal(fmt.Errorf("service %s has no auth facet", svc.Name))
		}
		creds, err := e.resolveCredentials(svc)
		if err != nil {
			return collab.Fatal(err)
		}
		_, err = e.collabs.Identity.RegisterApplication(ctx, collab.RegistrationSpec{
			Service:      svc.Name,
			Type:         auth.Type,
			RedirectURIs: auth.RedirectURIs,
			Scopes:       auth.Scopes,
			Claims:       auth.Claims,
			Credentials:  creds,
		})
		return err

	case state.KindConfig:
		payload, err := configPayload(svc)
		if err != nil {
			return collab.Fatal(err)
		}
		return e.collabs.ConfigApplier.Apply(ctx, svc.Name, payload)

	default:
		return collab.Fatal(fmt.Errorf("unknown resource kind %q", item.Kind))
	}
}

// preflight verifies every secret reference the plan will need actually
// resolves. Values are discarded; resolution happens again just-in-time at
// the apply call.
func (e *Engine) preflight(m *manifest.Manifest, items []diff.WorkItem) error {
	checked := make(map[string]bool)
	for _, item := range items {
		if item.Action == diff.ActionSkip || checked[item.Service] {
			continue
		}
		checked[item.Service] = true
		svc, ok := m.Lookup(item.Service)
		if !ok {
			return fmt.Errorf("service %s not in manifest", item.Service)
		}
		if _, err := e.resolveCredentials(svc); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
	}
	return nil
}

// resolveCredentials resolves secret references from the terraform facet's
// variables just-in-time. Values without a secret scheme pass through
// untouched; resolved values never reach the state store.
func (e *Engine) resolveCredentials(svc *manifest.Service) (map[string]string, error) {
	tf := svc.Interface.Terraform
	if tf == nil || len(tf.Variables) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(tf.Variables))
	refs := make(map[string]string)
	for name, value := range tf.Variables {
		if strings.HasPrefix(value, "env:") || strings.HasPrefix(value, "file:") {
			refs[name] = value
			continue
		}
		out[name] = value
	}

	resolved, err := secrets.ResolveAll(e.secrets, refs)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s: %w", svc.Name, err)
	}
	for name, value := range resolved {
		out[name] = value
	}
	return out, nil
}

// wantsHealthGate limits the health gate to kinds that change the running
// service; an identity registration lives on the provider.
func wantsHealthGate(kind state.Kind) bool {
	return kind == state.KindContainer || kind == state.KindConfig
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func phasesOf(items []diff.WorkItem) []graph.Phase {
	seen := make(map[graph.Phase]bool)
	var phases []graph.Phase
	for _, item := range items {
		if !seen[item.Phase] {
			seen[item.Phase] = true
			phases = append(phases, item.Phase)
		}
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	return phases
}

func itemsInPhase(items []diff.WorkItem, phase graph.Phase) []diff.WorkItem {
	var out []diff.WorkItem
	for _, item := range items {
		if item.Phase == phase {
			out = append(out, item)
		}
	}
	return out
}

func layersOf(items []diff.WorkItem) []int {
	seen := make(map[int]bool)
	var layers []int
	for _, item := range items {
		if !seen[item.Layer] {
			seen[item.Layer] = true
			layers = append(layers, item.Layer)
		}
	}
	sort.Ints(layers)
	return layers
}

func itemsInLayer(items []diff.WorkItem, layer int) []diff.WorkItem {
	var out []diff.WorkItem
	for _, item := range items {
		if item.Layer == layer {
			out = append(out, item)
		}
	}
	return out
}
