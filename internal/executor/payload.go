package executor

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/nixmox/nixmox/internal/manifest"
)

// configPayload renders the configuration fragment handed to the apply
// mechanism. The orchestrator does not introspect it past this point; the
// receiving side owns its meaning.
func configPayload(svc *manifest.Service) ([]byte, error) {
	fragment := struct {
		Service string                `yaml:"service"`
		DB      *manifest.DBFacet     `yaml:"db,omitempty"`
		Proxy   manifest.ProxyEntries `yaml:"proxy,omitempty"`
		Health  *manifest.HealthFacet `yaml:"health,omitempty"`
		Ports   []int                 `yaml:"ports,omitempty"`
	}{
		Service: svc.Name,
		DB:      svc.Interface.DB,
		Proxy:   svc.Interface.Proxy,
		Health:  svc.Interface.Health,
		Ports:   svc.Ports,
	}

	data, err := yaml.Marshal(fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to render config payload for %s: %w", svc.Name, err)
	}
	return data, nil
}
