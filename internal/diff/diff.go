package diff

import (
	"fmt"
	"sort"

	"github.com/nixmox/nixmox/internal/graph"
	"github.com/nixmox/nixmox/internal/manifest"
	"github.com/nixmox/nixmox/internal/state"
)

// Action is what a WorkItem asks the executor to do.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionSkip   Action = "skip" // operator override, counts as satisfied
)

// WorkItem is one unit of required change against an external collaborator.
type WorkItem struct {
	Service     string
	Kind        state.Kind
	Action      Action
	Phase       graph.Phase
	Layer       int
	Fingerprint string
}

func (w WorkItem) String() string {
	return fmt.Sprintf("%s %s/%s [%s, layer %d]", w.Action, w.Service, w.Kind, w.Phase, w.Layer)
}

// Options are the operator overrides for a plan.
type Options struct {
	// Only restricts the plan to the named services. Dependents not named
	// are ignored; the operator owns dependency correctness when forcing a
	// subset.
	Only []string
	// Skip marks the named services as operator-skipped: their items appear
	// in the plan but the executor treats them as satisfied.
	Skip []string
	// Force always emits update for the named services, fingerprint match or
	// not. Used for manual repair.
	Force []string
}

// Plan compares the manifest-derived desired state against the store and
// returns the minimal ordered set of work. Matching fingerprints emit
// nothing, so an unchanged manifest plans to an empty list.
func Plan(m *manifest.Manifest, g *graph.PhaseGraph, st *state.Store, opts Options) ([]WorkItem, error) {
	only := toSet(opts.Only)
	skip := toSet(opts.Skip)
	force := toSet(opts.Force)

	var items []WorkItem
	for _, svc := range m.AllServices() {
		if len(only) > 0 && !only[svc.Name] {
			continue
		}

		core := m.IsCore(svc.Name)
		layer := g.LayerOf(svc.Name)

		for _, kind := range RequiredKinds(svc) {
			fingerprint, err := Fingerprint(svc, kind)
			if err != nil {
				return nil, err
			}

			item := WorkItem{
				Service:     svc.Name,
				Kind:        kind,
				Phase:       graph.PhaseFor(core, kind),
				Layer:       layer,
				Fingerprint: fingerprint,
			}

			switch {
			case skip[svc.Name]:
				item.Action = ActionSkip
			case force[svc.Name]:
				if st.Has(svc.Name, kind) {
					item.Action = ActionUpdate
				} else {
					item.Action = ActionCreate
				}
			default:
				stored, exists := st.FingerprintOf(svc.Name, kind)
				if !exists {
					item.Action = ActionCreate
				} else if stored != fingerprint {
					item.Action = ActionUpdate
				} else {
					continue // already satisfied
				}
			}
			items = append(items, item)
		}
	}

	sortItems(items)
	return items, nil
}

// sortItems orders work so infrastructure exists before configuration and
// identity registrations exist before anything that authenticates against
// them: (phase, layer, kind priority, name).
func sortItems(items []WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		if a.Layer != b.Layer {
			return a.Layer < b.Layer
		}
		if a.Kind.Priority() != b.Kind.Priority() {
			return a.Kind.Priority() < b.Kind.Priority()
		}
		return a.Service < b.Service
	})
}

// HasWork reports whether the plan contains anything beyond operator skips.
func HasWork(items []WorkItem) bool {
	for _, item := range items {
		if item.Action != ActionSkip {
			return true
		}
	}
	return false
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}
