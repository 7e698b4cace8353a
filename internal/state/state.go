package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Kind identifies one class of realized resource per service.
type Kind string

const (
	KindContainer Kind = "container"
	KindIdentity  Kind = "identity_registration"
	KindConfig    Kind = "configuration_applied"
)

// Priority orders kinds within a layer: containers exist before identity
// registrations, and registrations before configuration is applied.
func (k Kind) Priority() int {
	switch k {
	case KindContainer:
		return 0
	case KindIdentity:
		return 1
	case KindConfig:
		return 2
	default:
		return 3
	}
}

// CurrentVersion is the schema version of the state document.
const CurrentVersion = 1

// Record is one persisted (service, kind) entry.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ServiceState groups a service's records with its last observed health.
type ServiceState struct {
	Records    map[Kind]Record `json:"records"`
	LastHealth string          `json:"last_health,omitempty"`
}

// Document is the full deployment state file. Durability lives here and only
// here; the manifest is reloaded from scratch on every run.
type Document struct {
	Version  int                      `json:"version"`
	RunID    string                   `json:"run_id,omitempty"`
	Services map[string]*ServiceState `json:"services"`
}

// Store reads and atomically rewrites the state document. The document is
// never updated in place: every write goes to a temp file that replaces the
// original, so a crash mid-run leaves the previous state intact.
type Store struct {
	path string
	doc  *Document
}

// Open loads the state document at path, or starts an empty one when the
// file does not exist yet.
func Open(path string) (*Store, error) {
	st := &Store{
		path: path,
		doc: &Document{
			Version:  CurrentVersion,
			Services: make(map[string]*ServiceState),
		},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if doc.Version > CurrentVersion {
		return nil, fmt.Errorf("state file %s has version %d, this build understands up to %d",
			path, doc.Version, CurrentVersion)
	}
	if doc.Services == nil {
		doc.Services = make(map[string]*ServiceState)
	}
	st.doc = &doc
	return st, nil
}

// Has reports whether a record exists for the (service, kind) pair.
func (s *Store) Has(service string, kind Kind) bool {
	_, ok := s.FingerprintOf(service, kind)
	return ok
}

// FingerprintOf returns the stored fingerprint for the pair, if any.
func (s *Store) FingerprintOf(service string, kind Kind) (string, bool) {
	svc, ok := s.doc.Services[service]
	if !ok {
		return "", false
	}
	rec, ok := svc.Records[kind]
	if !ok {
		return "", false
	}
	return rec.Fingerprint, true
}

// Record upserts the (service, kind) entry with a fresh timestamp and
// persists the document. Records are never removed here; decommissioning is
// an explicit separate action.
func (s *Store) Record(service string, kind Kind, fingerprint string) error {
	svc, ok := s.doc.Services[service]
	if !ok {
		svc = &ServiceState{Records: make(map[Kind]Record)}
		s.doc.Services[service] = svc
	}
	if svc.Records == nil {
		svc.Records = make(map[Kind]Record)
	}
	svc.Records[kind] = Record{
		Fingerprint: fingerprint,
		UpdatedAt:   time.Now().UTC(),
	}
	return s.flush()
}

// MarkHealth stores the last observed health status for a service.
func (s *Store) MarkHealth(service, status string) error {
	svc, ok := s.doc.Services[service]
	if !ok {
		svc = &ServiceState{Records: make(map[Kind]Record)}
		s.doc.Services[service] = svc
	}
	svc.LastHealth = status
	return s.flush()
}

// Decommission removes every record for a service. This is the only removal
// path; nothing else deletes records.
func (s *Store) Decommission(service string) error {
	if _, ok := s.doc.Services[service]; !ok {
		return nil
	}
	delete(s.doc.Services, service)
	return s.flush()
}

// SetRunID tags the document with the identifier of the run that last wrote
// it. Persisted on the next flush.
func (s *Store) SetRunID(id string) { s.doc.RunID = id }

// Snapshot returns a deep copy of the document for read-only reporting.
func (s *Store) Snapshot() Document {
	out := Document{
		Version:  s.doc.Version,
		RunID:    s.doc.RunID,
		Services: make(map[string]*ServiceState, len(s.doc.Services)),
	}
	for name, svc := range s.doc.Services {
		clone := &ServiceState{
			Records:    make(map[Kind]Record, len(svc.Records)),
			LastHealth: svc.LastHealth,
		}
		for kind, rec := range svc.Records {
			clone.Records[kind] = rec
		}
		out.Services[name] = clone
	}
	return out
}

// ServiceNames returns the recorded service names, sorted.
func (s *Store) ServiceNames() []string {
	names := make([]string, 0, len(s.doc.Services))
	for name := range s.doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// flush writes the document to a temp file in the same directory and renames
// it over the original. Rename is atomic on POSIX filesystems, so readers
// never observe a half-written document.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".nixmox-state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
