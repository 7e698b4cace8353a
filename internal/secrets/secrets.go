package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Resolver turns secret references into values just-in-time. References are
// resolved right before the collaborator call that needs them; values are
// never written into the deployment state.
type Resolver interface {
	Resolve(ref string) (string, error)
}

// NewResolver returns the default resolver supporting two reference schemes:
//
//	env:NAME        read from the process environment
//	file:path#KEY   read KEY from a dotenv-format file (the decrypted
//	                secrets file the deployment pipeline produces)
func NewResolver() Resolver {
	return &resolver{files: make(map[string]map[string]string)}
}

type resolver struct {
	mu    sync.Mutex
	files map[string]map[string]string // parsed dotenv files by path
}

func (r *resolver) Resolve(ref string) (string, error) {
	scheme, rest, found := strings.Cut(ref, ":")
	if !found {
		return "", fmt.Errorf("secret reference %q has no scheme (want env: or file:)", ref)
	}

	switch scheme {
	case "env":
		value, ok := os.LookupEnv(rest)
		if !ok {
			return "", fmt.Errorf("secret %q: environment variable %s is not set", ref, rest)
		}
		return value, nil

	case "file":
		path, key, ok := strings.Cut(rest, "#")
		if !ok {
			return "", fmt.Errorf("secret reference %q missing #KEY selector", ref)
		}
		values, err := r.loadFile(path)
		if err != nil {
			return "", fmt.Errorf("secret %q: %w", ref, err)
		}
		value, present := values[key]
		if !present {
			return "", fmt.Errorf("secret %q: key %s not found in %s", ref, key, path)
		}
		return value, nil

	default:
		return "", fmt.Errorf("secret reference %q has unknown scheme %q", ref, scheme)
	}
}

func (r *resolver) loadFile(path string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.files[path]; ok {
		return cached, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	r.files[path] = values
	return values, nil
}

// ResolveAll resolves a map of name -> reference in one pass, failing on the
// first unresolvable reference.
func ResolveAll(r Resolver, refs map[string]string) (map[string]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(refs))
	for name, ref := range refs {
		value, err := r.Resolve(ref)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}
