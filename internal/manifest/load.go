package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied where the manifest is silent. Resolution order is
// default < manifest value < explicit override, settled once here; nothing
// merges after load.
const (
	DefaultHealthInterval = 5 * time.Second
	DefaultHealthTimeout  = 30 * time.Second
	DefaultHealthRetries  = 10
	DefaultCores          = 2
	DefaultMemoryMB       = 1024
	DefaultDiskGB         = 8
	DefaultDBPort         = 5432
)

// Overrides are operator-supplied knobs that win over manifest values.
type Overrides struct {
	Enable  []string // force-enable services the manifest disabled
	Disable []string // force-disable services for this run
}

// Load reads, decodes, defaults, and validates a manifest file. The codec is
// picked from the file extension: .yaml/.yml or .toml.
func Load(path string) (*Manifest, error) {
	return LoadWithOverrides(path, Overrides{})
}

func LoadWithOverrides(path string, overrides Overrides) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q (want .yaml, .yml, or .toml)", ext)
	}

	m.applyDefaults()
	m.applyOverrides(overrides)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if len(m.DeploymentPhases) == 0 {
		m.DeploymentPhases = slices.Clone(StandardPhases)
	}

	fill := func(name string, svc *Service) {
		svc.Name = name
		if svc.Hostname == "" {
			svc.Hostname = name
		}
		if svc.Resources.Cores == 0 {
			svc.Resources.Cores = DefaultCores
		}
		if svc.Resources.MemoryMB == 0 {
			svc.Resources.MemoryMB = DefaultMemoryMB
		}
		if svc.Resources.DiskGB == 0 {
			svc.Resources.DiskGB = DefaultDiskGB
		}
		if db := svc.Interface.DB; db != nil {
			if db.Host == "" {
				db.Host = svc.IP
			}
			if db.Port == 0 {
				db.Port = DefaultDBPort
			}
		}
		if h := svc.Interface.Health; h != nil {
			if h.Interval == 0 {
				h.Interval = Duration(DefaultHealthInterval)
			}
			if h.Timeout == 0 {
				h.Timeout = Duration(DefaultHealthTimeout)
			}
			if h.Retries == 0 {
				h.Retries = DefaultHealthRetries
			}
		}
		for i := range svc.Interface.Proxy {
			entry := &svc.Interface.Proxy[i]
			entry.Domain = m.Network.FullDomain(entry.Domain)
			if entry.Path == "" {
				entry.Path = "/"
			}
		}
	}

	for name, svc := range m.CoreServices {
		fill(name, svc)
	}
	for name, svc := range m.Services {
		fill(name, svc)
	}
}

func (m *Manifest) applyOverrides(overrides Overrides) {
	set := func(name string, enabled bool) {
		if svc, ok := m.Lookup(name); ok {
			value := enabled
			svc.Enabled = &value
		}
	}
	for _, name := range overrides.Enable {
		set(name, true)
	}
	for _, name := range overrides.Disable {
		set(name, false)
	}
}
