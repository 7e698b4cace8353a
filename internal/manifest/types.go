package manifest

import (
	"encoding"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the single declarative document describing the network,
// core services, and application services of a deployment.
type Manifest struct {
	Network          Network             `yaml:"network" toml:"network" json:"network" validate:"required"`
	CoreServices     map[string]*Service `yaml:"core_services" toml:"core_services" json:"core_services"`
	Services         map[string]*Service `yaml:"services" toml:"services" json:"services"`
	DeploymentPhases []string            `yaml:"deployment_phases" toml:"deployment_phases" json:"deployment_phases"`
}

// Network holds global network parameters. Singleton, read-only after load.
type Network struct {
	Domain  string `yaml:"domain" toml:"domain" json:"domain" validate:"required,hostname_rfc1123"`
	Gateway string `yaml:"gateway,omitempty" toml:"gateway" json:"gateway" validate:"required,ip"`
	CIDR    string `yaml:"cidr" toml:"cidr" json:"cidr" validate:"required,cidr"`
	VLAN    int    `yaml:"vlan,omitempty" toml:"vlan" json:"vlan" validate:"gte=0,lte=4094"`
	DNS     string `yaml:"dns,omitempty" toml:"dns" json:"dns" validate:"omitempty,ip"`
}

// Service is one deployable unit.
type Service struct {
	Name      string    `yaml:"-" json:"name"`
	Enabled   *bool     `yaml:"enabled,omitempty" toml:"enabled" json:"enabled,omitempty"`
	IP        string    `yaml:"ip" toml:"ip" json:"ip" validate:"required,ip"`
	Hostname  string    `yaml:"hostname" toml:"hostname" json:"hostname" validate:"required,hostname_rfc1123"`
	VMID      int       `yaml:"vmid" toml:"vmid" json:"vmid" validate:"required,gt=0"`
	Resources Resources `yaml:"resources" toml:"resources" json:"resources"`
	DependsOn []string  `yaml:"depends_on,omitempty" toml:"depends_on" json:"depends_on,omitempty"`
	Ports     []int     `yaml:"ports,omitempty" toml:"ports" json:"ports,omitempty"`
	Interface Interface `yaml:"interface" toml:"interface" json:"interface"`
}

// Resources is the container sizing for the provisioning backend.
type Resources struct {
	Cores    int `yaml:"cores,omitempty" toml:"cores" json:"cores" validate:"omitempty,gt=0"`
	MemoryMB int `yaml:"memory_mb,omitempty" toml:"memory_mb" json:"memory_mb" validate:"omitempty,gt=0"`
	DiskGB   int `yaml:"disk_gb,omitempty" toml:"disk_gb" json:"disk_gb" validate:"omitempty,gt=0"`
}

// Interface is the capability bundle attached to a service. Every facet is
// optional and independent of the others.
type Interface struct {
	DB        *DBFacet        `yaml:"db,omitempty" toml:"db" json:"db,omitempty"`
	Proxy     ProxyEntries    `yaml:"proxy,omitempty" toml:"proxy" json:"proxy,omitempty"`
	Auth      *AuthFacet      `yaml:"auth,omitempty" toml:"auth" json:"auth,omitempty"`
	Health    *HealthFacet    `yaml:"health,omitempty" toml:"health" json:"health,omitempty"`
	Terraform *TerraformFacet `yaml:"terraform,omitempty" toml:"terraform" json:"terraform,omitempty"`
}

// DBFacet signals that the service needs a database schema and role.
type DBFacet struct {
	Name  string `yaml:"name" toml:"name" json:"name" validate:"required"`
	Owner string `yaml:"owner" toml:"owner" json:"owner" validate:"required"`
	Host  string `yaml:"host,omitempty" toml:"host" json:"host"`
	Port  int    `yaml:"port,omitempty" toml:"port" json:"port" validate:"gte=0"`
}

// ProxyEntry is one public endpoint exposed through the reverse proxy.
type ProxyEntry struct {
	Domain       string `yaml:"domain" toml:"domain" json:"domain" validate:"required,hostname_rfc1123"`
	Path         string `yaml:"path,omitempty" toml:"path" json:"path"`
	Upstream     string `yaml:"upstream" toml:"upstream" json:"upstream" validate:"required"`
	TLS          bool   `yaml:"tls,omitempty" toml:"tls" json:"tls"`
	AuthRequired bool   `yaml:"auth_required,omitempty" toml:"auth_required" json:"auth_required"`
}

// ProxyEntries is a list of proxy endpoints. The manifest may spell the facet
// as a single mapping or as a sequence; both decode into a list so a service
// exposing one endpoint and one exposing five go through the same code path.
type ProxyEntries []ProxyEntry

func (p *ProxyEntries) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var single ProxyEntry
		if err := node.Decode(&single); err != nil {
			return err
		}
		*p = ProxyEntries{single}
		return nil
	case yaml.SequenceNode:
		var list []ProxyEntry
		if err := node.Decode(&list); err != nil {
			return err
		}
		*p = list
		return nil
	default:
		return fmt.Errorf("proxy must be a mapping or a sequence, got %s", nodeKind(node))
	}
}

// AuthFacet describes the identity-provider registration a service needs.
type AuthFacet struct {
	Type         string            `yaml:"type" toml:"type" json:"type" validate:"required,oneof=oidc forward_auth"`
	RedirectURIs []string          `yaml:"redirect_uris,omitempty" toml:"redirect_uris" json:"redirect_uris,omitempty" validate:"dive,uri"`
	Scopes       []string          `yaml:"scopes,omitempty" toml:"scopes" json:"scopes,omitempty"`
	Claims       map[string]string `yaml:"claims,omitempty" toml:"claims" json:"claims,omitempty"`
}

// HealthFacet configures the startup and liveness probes for a service.
// Probe values starting with http:// or https:// are URL checks; anything
// else is run as a command.
type HealthFacet struct {
	Startup  string   `yaml:"startup,omitempty" toml:"startup" json:"startup"`
	Liveness string   `yaml:"liveness,omitempty" toml:"liveness" json:"liveness"`
	Interval Duration `yaml:"interval,omitempty" toml:"interval" json:"interval"`
	Timeout  Duration `yaml:"timeout,omitempty" toml:"timeout" json:"timeout"`
	Retries  int      `yaml:"retries,omitempty" toml:"retries" json:"retries" validate:"gte=0"`
}

// TerraformFacet names the provisioning modules and variables the external
// backend needs. The orchestrator passes these through without inspection.
type TerraformFacet struct {
	Modules   []string          `yaml:"modules,omitempty" toml:"modules" json:"modules,omitempty"`
	Targets   []string          `yaml:"targets,omitempty" toml:"targets" json:"targets,omitempty"`
	Variables map[string]string `yaml:"variables,omitempty" toml:"variables" json:"variables,omitempty"`
}

// Duration wraps time.Duration so manifests can spell intervals as "10s".
// Implementing encoding.TextUnmarshaler covers both the YAML and TOML codecs.
type Duration time.Duration

var _ encoding.TextUnmarshaler = (*Duration)(nil)

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// IsEnabled reports whether the service takes part in deployment. Services
// are enabled unless the manifest says otherwise.
func (s *Service) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// AllServices returns every enabled service, core first is not guaranteed;
// ordering is lexicographic by name for reproducible plans.
func (m *Manifest) AllServices() []*Service {
	services := make([]*Service, 0, len(m.CoreServices)+len(m.Services))
	for _, svc := range m.CoreServices {
		if svc.IsEnabled() {
			services = append(services, svc)
		}
	}
	for _, svc := range m.Services {
		if svc.IsEnabled() {
			services = append(services, svc)
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services
}

// Lookup finds a service by name in either section.
func (m *Manifest) Lookup(name string) (*Service, bool) {
	if svc, ok := m.CoreServices[name]; ok {
		return svc, true
	}
	svc, ok := m.Services[name]
	return svc, ok
}

// IsCore reports whether the named service is declared under core_services.
func (m *Manifest) IsCore(name string) bool {
	_, ok := m.CoreServices[name]
	return ok
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}

// FullDomain joins a short proxy domain with the network base domain when the
// manifest spells only the left-most label.
func (n Network) FullDomain(domain string) string {
	if strings.Contains(domain, ".") {
		return domain
	}
	return domain + "." + n.Domain
}
