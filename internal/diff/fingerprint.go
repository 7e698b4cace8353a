package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nixmox/nixmox/internal/manifest"
	"github.com/nixmox/nixmox/internal/state"
)

// containerFragment is the slice of a service that the provisioning backend
// acts on. Anything else changing must not re-provision the container.
type containerFragment struct {
	IP        string                   `json:"ip"`
	Hostname  string                   `json:"hostname"`
	VMID      int                      `json:"vmid"`
	Resources manifest.Resources       `json:"resources"`
	Terraform *manifest.TerraformFacet `json:"terraform,omitempty"`
}

// identityFragment covers the identity-provider registration.
type identityFragment struct {
	Auth *manifest.AuthFacet `json:"auth"`
}

// configFragment covers everything the configuration-apply mechanism
// consumes: database, proxy endpoints, probes, and exposed ports.
type configFragment struct {
	DB     *manifest.DBFacet     `json:"db,omitempty"`
	Proxy  manifest.ProxyEntries `json:"proxy,omitempty"`
	Health *manifest.HealthFacet `json:"health,omitempty"`
	Ports  []int                 `json:"ports,omitempty"`
}

// Fingerprint hashes the manifest fragment relevant to one resource kind.
// The encoding is canonical JSON (struct field order is fixed, map keys are
// sorted by encoding/json), so equal fragments hash equal across runs.
func Fingerprint(svc *manifest.Service, kind state.Kind) (string, error) {
	var fragment any
	switch kind {
	case state.KindContainer:
		fragment = containerFragment{
			IP:        svc.IP,
			Hostname:  svc.Hostname,
			VMID:      svc.VMID,
			Resources: svc.Resources,
			Terraform: svc.Interface.Terraform,
		}
	case state.KindIdentity:
		fragment = identityFragment{Auth: svc.Interface.Auth}
	case state.KindConfig:
		fragment = configFragment{
			DB:     svc.Interface.DB,
			Proxy:  svc.Interface.Proxy,
			Health: svc.Interface.Health,
			Ports:  svc.Ports,
		}
	default:
		return "", fmt.Errorf("unknown resource kind %q", kind)
	}

	data, err := json.Marshal(fragment)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s fragment for %s: %w", kind, svc.Name, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RequiredKinds lists the resource kinds a service's interface calls for.
// Every service is a container; an auth facet demands an identity
// registration; db or proxy facets demand applied configuration. The
// terraform facet rides on the container, so it never adds a kind.
func RequiredKinds(svc *manifest.Service) []state.Kind {
	kinds := []state.Kind{state.KindContainer}
	if svc.Interface.Auth != nil {
		kinds = append(kinds, state.KindIdentity)
	}
	if svc.Interface.DB != nil || len(svc.Interface.Proxy) > 0 {
		kinds = append(kinds, state.KindConfig)
	}
	return kinds
}
