package collab

import (
	"context"
	"fmt"
	"sync"
)

// FakeSet is an in-memory collaborator set for tests and dry runs. Each fake
// records calls in order and can be scripted to fail per service.
func FakeSet() (*Set, *FakeRecorder) {
	rec := &FakeRecorder{failures: make(map[string]error)}
	return &Set{
		Provisioner:   &fakeProvisioner{rec: rec},
		Identity:      &fakeIdentity{rec: rec},
		ConfigApplier: &fakeApplier{rec: rec},
	}, rec
}

// FakeRecorder captures collaborator calls across all three fakes.
type FakeRecorder struct {
	mu        sync.Mutex
	calls     []string
	failures  map[string]error
	failLimit map[string]int // remaining scripted failures; 0 means unlimited
}

// FailWith scripts an error for every call touching the named service.
func (r *FakeRecorder) FailWith(service string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[service] = err
}

// FailTimes scripts an error for the next n calls touching the named
// service, after which calls succeed again.
func (r *FakeRecorder) FailTimes(service string, n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[service] = err
	if r.failLimit == nil {
		r.failLimit = make(map[string]int)
	}
	r.failLimit[service] = n
}

// ClearFailure removes scripting, letting later retries succeed.
func (r *FakeRecorder) ClearFailure(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, service)
}

// Calls returns the recorded call descriptions in order.
func (r *FakeRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

// CallCount returns how many recorded calls mention the given description
// prefix, e.g. "provision postgresql".
func (r *FakeRecorder) CallCount(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (r *FakeRecorder) observe(call, service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	err := r.failures[service]
	if err != nil {
		if limit, bounded := r.failLimit[service]; bounded {
			if limit <= 1 {
				delete(r.failures, service)
				delete(r.failLimit, service)
			} else {
				r.failLimit[service] = limit - 1
			}
		}
	}
	return err
}

type fakeProvisioner struct{ rec *FakeRecorder }

func (f *fakeProvisioner) CreateOrUpdate(_ context.Context, spec ContainerSpec) (ProvisionResult, error) {
	if err := f.rec.observe("provision "+spec.Name, spec.Name); err != nil {
		return ProvisionResult{}, err
	}
	return ProvisionResult{
		ID:      fmt.Sprintf("ct-%d", spec.VMID),
		Address: spec.IP,
	}, nil
}

type fakeIdentity struct{ rec *FakeRecorder }

func (f *fakeIdentity) RegisterApplication(_ context.Context, spec RegistrationSpec) (RegistrationResult, error) {
	if err := f.rec.observe("register "+spec.Service, spec.Service); err != nil {
		return RegistrationResult{}, err
	}
	return RegistrationResult{
		ClientID:   spec.Service + "-client",
		ProviderID: spec.Service + "-provider",
	}, nil
}

type fakeApplier struct{ rec *FakeRecorder }

func (f *fakeApplier) Apply(_ context.Context, service string, _ []byte) error {
	return f.rec.observe("apply "+service, service)
}
