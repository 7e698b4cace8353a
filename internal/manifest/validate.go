package manifest

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// StandardPhases are the four top-level deployment phases, in order.
var StandardPhases = []string{
	"infrastructure",
	"core_configuration",
	"identity_registration",
	"application_rollout",
}

var validate = newValidator()

// newValidator builds a validator that reports field names by their manifest
// keys rather than Go identifiers, so violation paths match the document.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return fld.Name
		}
		return tag
	})
	return v
}

// Validate checks the whole manifest and returns a ValidationError listing
// every violation found, or a CycleError when depends_on edges form a loop.
// A nil return means the manifest is deployable.
func (m *Manifest) Validate() error {
	var violations []Violation

	violations = append(violations, m.validateNetwork()...)
	violations = append(violations, m.validatePhases()...)
	violations = append(violations, m.validateServices()...)
	violations = append(violations, m.validateProxyDomains()...)

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}

	// Structural checks only make sense once references resolve.
	if cycle := m.DetectCycle(); cycle != nil {
		return &CycleError{Cycle: cycle}
	}
	return nil
}

func (m *Manifest) validateNetwork() []Violation {
	return fieldViolations("network", validate.Struct(m.Network))
}

func (m *Manifest) validatePhases() []Violation {
	var out []Violation
	known := make(map[string]bool, len(StandardPhases))
	for _, p := range StandardPhases {
		known[p] = true
	}
	rank := make(map[string]int, len(StandardPhases))
	for i, p := range StandardPhases {
		rank[p] = i
	}
	prev := -1
	for i, phase := range m.DeploymentPhases {
		if !known[phase] {
			out = append(out, Violation{
				Path: fmt.Sprintf("deployment_phases[%d]", i),
				Message: fmt.Sprintf("unknown phase %q (want one of %s)",
					phase, strings.Join(StandardPhases, ", ")),
			})
			continue
		}
		if rank[phase] <= prev {
			out = append(out, Violation{
				Path:    fmt.Sprintf("deployment_phases[%d]", i),
				Message: fmt.Sprintf("phase %q out of order", phase),
			})
		}
		prev = rank[phase]
	}
	return out
}

func (m *Manifest) validateServices() []Violation {
	var out []Violation

	for name := range m.Services {
		if _, dup := m.CoreServices[name]; dup {
			out = append(out, Violation{
				Path:    "services." + name,
				Message: "also declared under core_services",
			})
		}
	}

	check := func(section string, services map[string]*Service) {
		for _, name := range sortedKeys(services) {
			svc := services[name]
			path := section + "." + name
			out = append(out, fieldViolations(path, validate.Struct(svc))...)

			for i, port := range svc.Ports {
				if port < 0 || port > 65535 {
					out = append(out, Violation{
						Path:    fmt.Sprintf("%s.ports[%d]", path, i),
						Message: fmt.Sprintf("port %d out of range", port),
					})
				}
			}
			for i, dep := range svc.DependsOn {
				if dep == svc.Name {
					out = append(out, Violation{
						Path:    fmt.Sprintf("%s.depends_on[%d]", path, i),
						Message: "service depends on itself",
					})
					continue
				}
				if _, ok := m.Lookup(dep); !ok {
					out = append(out, Violation{
						Path:    fmt.Sprintf("%s.depends_on[%d]", path, i),
						Message: fmt.Sprintf("unknown service %q", dep),
					})
				}
			}
		}
	}
	check("core_services", m.CoreServices)
	check("services", m.Services)
	return out
}

func (m *Manifest) validateProxyDomains() []Violation {
	var out []Violation
	domainOwner := make(map[string]string) // domain -> claiming service
	endpoints := make(map[string]bool)     // domain+path, within one service

	for _, svc := range m.AllServices() {
		for i, entry := range svc.Interface.Proxy {
			path := fmt.Sprintf("services.%s.interface.proxy[%d]", svc.Name, i)

			// A public hostname belongs to exactly one service. Multiple
			// endpoints under it are legal only within that service.
			if owner, taken := domainOwner[entry.Domain]; taken && owner != svc.Name {
				out = append(out, Violation{
					Path: path,
					Message: fmt.Sprintf("domain %q already claimed by service %q",
						entry.Domain, owner),
				})
				continue
			}
			key := entry.Domain + entry.Path
			if endpoints[key] {
				out = append(out, Violation{
					Path:    path,
					Message: fmt.Sprintf("endpoint %s%s declared twice", entry.Domain, entry.Path),
				})
				continue
			}
			domainOwner[entry.Domain] = svc.Name
			endpoints[key] = true
		}
	}
	return out
}

// DetectCycle walks depends_on edges with a three-color DFS and returns the
// cycle path when one exists, nil otherwise. Disabled services still count:
// an edge into a disabled service is a resolution problem reported elsewhere,
// not a cycle.
func (m *Manifest) DetectCycle() []string {
	const (
		white = iota // unvisited
		grey         // on the current DFS path
		black        // fully explored
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)
		svc, ok := m.Lookup(name)
		if ok {
			for _, dep := range svc.DependsOn {
				switch color[dep] {
				case grey:
					// Found the loop: slice the stack from the first
					// occurrence of dep and close it.
					for i, n := range stack {
						if n == dep {
							cycle = append(append([]string{}, stack[i:]...), dep)
							return true
						}
					}
				case white:
					if visit(dep) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	names := make([]string, 0, len(m.CoreServices)+len(m.Services))
	for name := range m.CoreServices {
		names = append(names, name)
	}
	for name := range m.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if color[name] == white {
			stack = stack[:0]
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}

// fieldViolations converts validator/v10 field errors into path-addressed
// violations under the given document prefix.
func fieldViolations(prefix string, err error) []Violation {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []Violation{{Path: prefix, Message: err.Error()}}
	}
	out := make([]Violation, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, Violation{
			Path:    prefix + "." + fieldPath(fe.Namespace()),
			Message: fmt.Sprintf("fails %q constraint (value %v)", fe.Tag(), fe.Value()),
		})
	}
	return out
}

// fieldPath strips the root struct name from a validator namespace; the
// remaining segments already use manifest keys via the tag name func.
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.Join(parts, ".")
}

func sortedKeys(services map[string]*Service) []string {
	keys := make([]string, 0, len(services))
	for k := range services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
