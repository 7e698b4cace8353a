package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/cli"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/nixmox/nixmox/internal/manifest"
)

// vmidBase seeds numeric identifiers for imported services; operators adjust
// them before the first apply.
const vmidBase = 900

// FromCompose converts a docker-compose project into a starter manifest.
// Ports and depends_on carry over, and the image lands in the terraform
// facet's variables for the provisioning backend; addressing, sizing, and
// the remaining facets are left for the operator to fill in.
func FromCompose(ctx context.Context, path string) (*manifest.Manifest, error) {
	projectName := filepath.Base(filepath.Dir(path))
	options, err := cli.NewProjectOptions(
		[]string{path},
		cli.WithOsEnv,
		cli.WithName(projectName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create project options: %w", err)
	}

	project, err := options.LoadProject(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load compose project: %w", err)
	}

	m := &manifest.Manifest{
		Network: manifest.Network{
			Domain:  projectName + ".lan",
			Gateway: "192.168.1.1",
			CIDR:    "192.168.1.0/24",
		},
		Services:         make(map[string]*manifest.Service, len(project.Services)),
		DeploymentPhases: manifest.StandardPhases,
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		svc, err := convertService(project.Services[name], i)
		if err != nil {
			return nil, fmt.Errorf("failed to convert service %s: %w", name, err)
		}
		m.Services[name] = svc
	}
	return m, nil
}

func convertService(cs types.ServiceConfig, index int) (*manifest.Service, error) {
	svc := &manifest.Service{
		Name:     cs.Name,
		Hostname: cs.Name,
		VMID:     vmidBase + index,
	}

	if cs.Image != "" {
		svc.Interface.Terraform = &manifest.TerraformFacet{
			Variables: map[string]string{"image": cs.Image},
		}
	}

	for dep := range cs.DependsOn {
		svc.DependsOn = append(svc.DependsOn, dep)
	}
	sort.Strings(svc.DependsOn)

	for _, port := range cs.Ports {
		if port.Published == "" {
			continue
		}
		published := strings.Split(port.Published, ":")[0]
		n, err := strconv.Atoi(published)
		if err != nil {
			continue // ranges and malformed entries are skipped
		}
		svc.Ports = append(svc.Ports, n)
	}
	sort.Ints(svc.Ports)

	return svc, nil
}

// RenderYAML prints a manifest the way an operator would write one, with the
// sections in document order.
func RenderYAML(m *manifest.Manifest) ([]byte, error) {
	type doc struct {
		Network          manifest.Network             `yaml:"network"`
		CoreServices     map[string]*manifest.Service `yaml:"core_services,omitempty"`
		Services         map[string]*manifest.Service `yaml:"services"`
		DeploymentPhases []string                     `yaml:"deployment_phases"`
	}
	out, err := yaml.Marshal(doc{
		Network:          m.Network,
		CoreServices:     m.CoreServices,
		Services:         m.Services,
		DeploymentPhases: m.DeploymentPhases,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render manifest: %w", err)
	}
	return out, nil
}
