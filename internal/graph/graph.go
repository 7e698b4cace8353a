package graph

import (
	"fmt"
	"sort"

	"github.com/nixmox/nixmox/internal/manifest"
	"github.com/nixmox/nixmox/internal/state"
)

// Phase is one of the four coarse-grained deployment stages.
type Phase int

const (
	PhaseInfrastructure Phase = iota
	PhaseCoreConfiguration
	PhaseIdentityRegistration
	PhaseApplicationRollout
)

var phaseNames = map[Phase]string{
	PhaseInfrastructure:       "infrastructure",
	PhaseCoreConfiguration:    "core_configuration",
	PhaseIdentityRegistration: "identity_registration",
	PhaseApplicationRollout:   "application_rollout",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Node is one service placed in the graph.
type Node struct {
	Service *manifest.Service
	Layer   int // topological rank: 1 + max(layer of dependencies), 0 for leaves
}

// PhaseGraph is the layered DAG derived from depends_on edges.
type PhaseGraph struct {
	Nodes  map[string]*Node
	Layers [][]string // layer index -> service names, lexicographic within a layer
}

// Build derives the phase graph from the manifest with a Kahn-style layered
// topological sort. A cycle aborts before any side effect.
func Build(m *manifest.Manifest) (*PhaseGraph, error) {
	if cycle := m.DetectCycle(); cycle != nil {
		return nil, &manifest.CycleError{Cycle: cycle}
	}

	services := m.AllServices()
	nodes := make(map[string]*Node, len(services))
	for _, svc := range services {
		nodes[svc.Name] = &Node{Service: svc, Layer: -1}
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			if _, ok := nodes[dep]; !ok {
				// Depends on a disabled service: the edge cannot be
				// satisfied this run.
				return nil, fmt.Errorf("service %q depends on %q, which is disabled", svc.Name, dep)
			}
			indegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	frontier := make([]string, 0, len(nodes))
	for _, svc := range services {
		if indegree[svc.Name] == 0 {
			nodes[svc.Name].Layer = 0
			frontier = append(frontier, svc.Name)
		}
	}

	var layers [][]string
	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		layers = append(layers, frontier)
		placed += len(frontier)

		var next []string
		for _, name := range frontier {
			for _, dependent := range dependents[name] {
				node := nodes[dependent]
				if layer := nodes[name].Layer + 1; layer > node.Layer {
					node.Layer = layer
				}
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		// A node's final layer is known only when its last dependency
		// resolves, so regroup by computed layer.
		frontier = next
	}

	if placed != len(nodes) {
		// Unreachable after DetectCycle, kept as a guard against edge
		// bookkeeping bugs.
		return nil, fmt.Errorf("graph build left %d services unplaced", len(nodes)-placed)
	}

	return &PhaseGraph{Nodes: nodes, Layers: regroupLayers(nodes)}, nil
}

// regroupLayers rebuilds the layer slices from final node layers, since a
// node released early by Kahn's algorithm may still land in a deeper layer.
func regroupLayers(nodes map[string]*Node) [][]string {
	max := 0
	for _, node := range nodes {
		if node.Layer > max {
			max = node.Layer
		}
	}
	layers := make([][]string, max+1)
	for name, node := range nodes {
		layers[node.Layer] = append(layers[node.Layer], name)
	}
	for i := range layers {
		sort.Strings(layers[i])
	}
	return layers
}

// PhaseFor maps a (service, resource kind) pair to the closest top-level
// phase. Core services occupy the first two phases: their containers are
// infrastructure and everything layered on them is core configuration.
// Identity registrations get their own phase regardless of which service
// requested them, and application work lands in the rollout phase.
func PhaseFor(core bool, kind state.Kind) Phase {
	if kind == state.KindIdentity {
		return PhaseIdentityRegistration
	}
	if core {
		if kind == state.KindContainer {
			return PhaseInfrastructure
		}
		return PhaseCoreConfiguration
	}
	return PhaseApplicationRollout
}

// Dependencies returns the direct dependency names of a service, sorted.
func (g *PhaseGraph) Dependencies(name string) []string {
	node, ok := g.Nodes[name]
	if !ok {
		return nil
	}
	deps := append([]string{}, node.Service.DependsOn...)
	sort.Strings(deps)
	return deps
}

// LayerOf returns the topological rank of a service, or -1 when the service
// is not in the graph.
func (g *PhaseGraph) LayerOf(name string) int {
	if node, ok := g.Nodes[name]; ok {
		return node.Layer
	}
	return -1
}
