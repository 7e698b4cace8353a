package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixmox/nixmox/internal/collab"
	"github.com/nixmox/nixmox/internal/diff"
	"github.com/nixmox/nixmox/internal/graph"
	"github.com/nixmox/nixmox/internal/manifest"
	"github.com/nixmox/nixmox/internal/secrets"
	"github.com/nixmox/nixmox/internal/state"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type probeFunc func(ctx context.Context, svc *manifest.Service) error

func (f probeFunc) Probe(ctx context.Context, svc *manifest.Service) error { return f(ctx, svc) }

var alwaysHealthy = probeFunc(func(context.Context, *manifest.Service) error { return nil })

func svc(name, ip string, vmid int, deps ...string) *manifest.Service {
	return &manifest.Service{
		Name: name, IP: ip, Hostname: name, VMID: vmid, DependsOn: deps,
		Resources: manifest.Resources{Cores: 2, MemoryMB: 1024, DiskGB: 8},
	}
}

func fleetManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Network: manifest.Network{Domain: "nixmox.lan", Gateway: "192.168.99.1", CIDR: "192.168.99.0/24"},
		CoreServices: map[string]*manifest.Service{
			"postgresql": svc("postgresql", "192.168.99.10", 910),
			"caddy":      svc("caddy", "192.168.99.11", 911),
			"authentik":  svc("authentik", "192.168.99.12", 912),
		},
		Services: map[string]*manifest.Service{
			"vaultwarden": svc("vaultwarden", "192.168.99.20", 920, "postgresql", "caddy", "authentik"),
			"nextcloud":   svc("nextcloud", "192.168.99.21", 921, "postgresql", "caddy", "authentik"),
		},
	}
}

func planAll(t *testing.T, m *manifest.Manifest, st *state.Store) []diff.WorkItem {
	t.Helper()
	g, err := graph.Build(m)
	require.NoError(t, err)
	items, err := diff.Plan(m, g, st, diff.Options{})
	require.NoError(t, err)
	return items
}

func newEngine(cfg Config, set *collab.Set, prober Prober) *Engine {
	return New(cfg, set, prober, secrets.NewResolver(), discard())
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Open(t.TempDir() + "/state.json")
	require.NoError(t, err)
	return st
}

func TestFreshApplyRecordsEverything(t *testing.T) {
	m := fleetManifest()
	st := openStore(t)
	set, rec := collab.FakeSet()

	summary, err := newEngine(Config{}, set, alwaysHealthy).
		Run(context.Background(), m, st, planAll(t, m, st))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ExitCode())

	for _, name := range []string{"postgresql", "caddy", "authentik", "vaultwarden", "nextcloud"} {
		assert.True(t, st.Has(name, state.KindContainer), "record missing for %s", name)
	}
	assert.Len(t, rec.Calls(), 5)

	// A second plan after a full apply is empty.
	assert.Empty(t, planAll(t, m, st))
}

func TestCoreContainersProvisionedBeforeApplications(t *testing.T) {
	m := fleetManifest()
	st := openStore(t)
	set, rec := collab.FakeSet()

	_, err := newEngine(Config{Parallelism: 4}, set, alwaysHealthy).
		Run(context.Background(), m, st, planAll(t, m, st))
	require.NoError(t, err)

	calls := rec.Calls()
	require.Len(t, calls, 5)
	appStart := -1
	for i, call := range calls {
		if strings.Contains(call, "vaultwarden") || strings.Contains(call, "nextcloud") {
			appStart = i
			break
		}
	}
	require.GreaterOrEqual(t, appStart, 3, "all core calls precede application calls: %v", calls)
}

func TestHealthGateBlocksLaterPhases(t *testing.T) {
	m := fleetManifest()
	m.CoreServices["postgresql"].Interface.Health = &manifest.HealthFacet{
		Liveness: "check", Retries: 0,
		Interval: manifest.Duration(time.Millisecond),
		Timeout:  manifest.Duration(time.Second),
	}
	st := openStore(t)
	set, rec := collab.FakeSet()

	neverHealthy := probeFunc(func(_ context.Context, s *manifest.Service) error {
		if s.Name == "postgresql" {
			return errors.New("liveness never passed")
		}
		return nil
	})

	summary, err := newEngine(Config{}, set, neverHealthy).
		Run(context.Background(), m, st, planAll(t, m, st))
	require.Error(t, err)

	for _, call := range rec.Calls() {
		assert.NotContains(t, call, "vaultwarden", "no later-phase item may start")
		assert.NotContains(t, call, "nextcloud", "no later-phase item may start")
	}
	assert.False(t, st.Has("postgresql", state.KindContainer),
		"an unhealthy apply is not recorded as done")
	assert.Equal(t, 3, summary.ExitCode(), "siblings succeeded, so the run is partial")
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	m := fleetManifest()
	st := openStore(t)
	set, rec := collab.FakeSet()
	rec.FailTimes("caddy", 2, collab.Transient(errors.New("connection refused")))

	summary, err := newEngine(Config{RetryBudget: 3, RetryDelay: time.Millisecond}, set, alwaysHealthy).
		Run(context.Background(), m, st, planAll(t, m, st))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ExitCode())
	assert.Equal(t, 3, rec.CallCount("provision caddy"), "two failures, then success")
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	m := fleetManifest()
	st := openStore(t)
	set, rec := collab.FakeSet()
	rec.FailWith("authentik", collab.Fatal(errors.New("missing credential")))

	summary, err := newEngine(Config{RetryBudget: 5, RetryDelay: time.Millisecond}, set, alwaysHealthy).
		Run(context.Background(), m, st, planAll(t, m, st))
	require.Error(t, err)
	assert.Equal(t, 1, rec.CallCount("provision authentik"), "fatal errors skip the retry budget")

	counts := summary.Counts()
	assert.Equal(t, 1, counts[StatusFatallyFailed])
}

func TestFatalFailureHaltsPhaseButKeepsSucceededItems(t *testing.T) {
	m := fleetManifest()
	st := openStore(t)
	set, rec := collab.FakeSet()
	rec.FailWith("authentik", collab.Fatal(errors.New("permanent rejection")))

	summary, err := newEngine(Config{}, set, alwaysHealthy).
		Run(context.Background(), m, st, planAll(t, m, st))
	require.Error(t, err)

	// Items already succeeded in the same phase stay recorded; no rollback.
	assert.True(t, st.Has("caddy", state.KindContainer))
	assert.True(t, st.Has("postgresql", state.KindContainer))
	assert.False(t, st.Has("authentik", state.KindContainer))

	// The later phase never started.
	assert.False(t, st.Has("vaultwarden", state.KindContainer))
	assert.Equal(t, 3, summary.ExitCode(), "partial success")
}

func TestSkippedItemsCountAsSatisfiedForPhaseGate(t *testing.T) {
	m := fleetManifest()
	st := openStore(t)
	set, rec := collab.FakeSet()

	g, err := graph.Build(m)
	require.NoError(t, err)
	items, err := diff.Plan(m, g, st, diff.Options{Skip: []string{"authentik"}})
	require.NoError(t, err)

	summary, err := newEngine(Config{}, set, alwaysHealthy).Run(context.Background(), m, st, items)
	require.NoError(t, err)

	assert.Equal(t, 0, rec.CallCount("provision authentik"))
	assert.True(t, st.Has("vaultwarden", state.KindContainer),
		"skipping one core service does not gate the next phase")
	counts := summary.Counts()
	assert.Equal(t, 1, counts[StatusSkipped])
	assert.Equal(t, 4, counts[StatusSucceeded])
}

func TestCancellationStartsNothingNew(t *testing.T) {
	m := fleetManifest()
	st := openStore(t)
	set, rec := collab.FakeSet()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	prober := probeFunc(func(context.Context, *manifest.Service) error {
		select {
		case started <- struct{}{}:
			cancel() // cancel as soon as the first item is in flight
		default:
		}
		return nil
	})

	summary, err := newEngine(Config{Parallelism: 1}, set, prober).
		Run(ctx, m, st, planAll(t, m, st))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	assert.True(t, summary.Cancelled)
	assert.Less(t, len(rec.Calls()), 5, "cancellation stops new work")

	counts := summary.Counts()
	assert.GreaterOrEqual(t, counts[StatusSucceeded], 1,
		"the in-flight item finished and its state persisted")
}

func TestParallelismBoundIsRespected(t *testing.T) {
	m := fleetManifest()
	st := openStore(t)
	set, _ := collab.FakeSet()

	var current, peak atomic.Int32
	prober := probeFunc(func(context.Context, *manifest.Service) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	_, err := newEngine(Config{Parallelism: 2}, set, prober).
		Run(context.Background(), m, st, planAll(t, m, st))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSecretsResolvedJustInTimeAndNeverPersisted(t *testing.T) {
	t.Setenv("NIXMOX_PG_PASSWORD", "pg-secret-value")

	m := fleetManifest()
	m.CoreServices["postgresql"].Interface.Terraform = &manifest.TerraformFacet{
		Variables: map[string]string{
			"admin_password": "env:NIXMOX_PG_PASSWORD",
			"pool_size":      "20",
		},
	}

	statePath := t.TempDir() + "/state.json"
	st, err := state.Open(statePath)
	require.NoError(t, err)

	var seen map[string]string
	set, _ := collab.FakeSet()
	set.Provisioner = &capturingProvisioner{inner: set.Provisioner, seen: &seen}

	_, err = newEngine(Config{}, set, alwaysHealthy).
		Run(context.Background(), m, st, planAll(t, m, st))
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, "pg-secret-value", seen["admin_password"], "resolved just-in-time for the call")
	assert.Equal(t, "20", seen["pool_size"], "plain variables pass through")

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "pg-secret-value", "secrets never land in the state document")
}

type capturingProvisioner struct {
	inner collab.Provisioner
	seen  *map[string]string
}

func (c *capturingProvisioner) CreateOrUpdate(ctx context.Context, spec collab.ContainerSpec) (collab.ProvisionResult, error) {
	if spec.Name == "postgresql" {
		*c.seen = spec.Credentials
	}
	return c.inner.CreateOrUpdate(ctx, spec)
}

func TestMissingCredentialAbortsBeforeExecution(t *testing.T) {
	m := fleetManifest()
	m.CoreServices["postgresql"].Interface.Terraform = &manifest.TerraformFacet{
		Variables: map[string]string{"admin_password": "env:NIXMOX_UNSET_SECRET"},
	}
	st := openStore(t)
	set, rec := collab.FakeSet()

	_, err := newEngine(Config{RetryBudget: 4, RetryDelay: time.Millisecond}, set, alwaysHealthy).
		Run(context.Background(), m, st, planAll(t, m, st))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preflight")
	assert.Empty(t, rec.Calls(), "no collaborator is invoked when a credential is unresolvable")
}

func TestIdentityRegistrationDispatch(t *testing.T) {
	m := fleetManifest()
	m.Services["vaultwarden"].Interface.Auth = &manifest.AuthFacet{
		Type:         "oidc",
		RedirectURIs: []string{"https://vault.nixmox.lan/oidc/callback"},
		Scopes:       []string{"openid", "email", "profile"},
	}
	st := openStore(t)
	set, rec := collab.FakeSet()

	summary, err := newEngine(Config{}, set, alwaysHealthy).
		Run(context.Background(), m, st, planAll(t, m, st))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ExitCode())
	assert.Equal(t, 1, rec.CallCount("register vaultwarden"))
	assert.True(t, st.Has("vaultwarden", state.KindIdentity))
}
