package collab

import (
	"context"

	"github.com/nixmox/nixmox/internal/manifest"
)

// ContainerSpec is what the provisioning backend needs to create or update
// one container. Idempotent given identical input.
type ContainerSpec struct {
	Name      string
	Hostname  string
	IP        string
	VMID      int
	Resources manifest.Resources
	Ports     []int
	Terraform *manifest.TerraformFacet
	// Secrets resolved just-in-time; never persisted anywhere.
	Credentials map[string]string
}

// ProvisionResult identifies the realized container.
type ProvisionResult struct {
	ID      string
	Address string
}

// Provisioner is the infrastructure backend that realizes containers.
type Provisioner interface {
	CreateOrUpdate(ctx context.Context, spec ContainerSpec) (ProvisionResult, error)
}

// RegistrationSpec describes one identity-provider application registration.
type RegistrationSpec struct {
	Service      string
	Type         string
	RedirectURIs []string
	Scopes       []string
	Claims       map[string]string
	Credentials  map[string]string
}

// RegistrationResult carries the provider-assigned identifiers.
type RegistrationResult struct {
	ClientID   string
	ProviderID string
}

// Identity is the identity-provider API. Registration is idempotent by spec
// fingerprint on the provider side.
type Identity interface {
	RegisterApplication(ctx context.Context, spec RegistrationSpec) (RegistrationResult, error)
}

// ConfigApplier pushes a service's configuration payload. The payload is
// opaque to the orchestrator.
type ConfigApplier interface {
	Apply(ctx context.Context, service string, payload []byte) error
}

// Set bundles the three collaborators the executor dispatches to.
type Set struct {
	Provisioner   Provisioner
	Identity      Identity
	ConfigApplier ConfigApplier
}
