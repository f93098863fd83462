package executor

import (
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/task"
)

// RoutingRule maps a namespace glob pattern to a backend name. Patterns
// have the namespace shape tenant::package::workflow::task; each
// component is matched independently with shell globbing.
type RoutingRule struct {
	Pattern string `json:"pattern"`
	Backend string `json:"backend"`
}

// RoutingConfig routes claims to executor backends. The first matching
// rule wins; unmatched namespaces go to the required default backend.
type RoutingConfig struct {
	Rules          []RoutingRule `json:"rules"`
	DefaultBackend string        `json:"default_backend"`
}

// DefaultRoutingConfig routes everything to "default".
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{DefaultBackend: DefaultBackendName}
}

// Validate checks the config shape.
func (c RoutingConfig) Validate() error {
	if c.DefaultBackend == "" {
		return errors.New("routing config requires a default backend")
	}
	for _, rule := range c.Rules {
		if rule.Backend == "" {
			return errors.Errorf("routing rule %q has no backend", rule.Pattern)
		}
		if _, err := splitPattern(rule.Pattern); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the backend name for a namespace.
func (c RoutingConfig) Resolve(ns task.Namespace) string {
	candidate := [4]string{ns.TenantID, ns.PackageID, ns.WorkflowID, ns.TaskID}
	for _, rule := range c.Rules {
		parts, err := splitPattern(rule.Pattern)
		if err != nil {
			continue
		}
		if matchParts(parts, candidate) {
			return rule.Backend
		}
	}
	return c.DefaultBackend
}

func splitPattern(pattern string) ([4]string, error) {
	parts := strings.Split(pattern, "::")
	if len(parts) != 4 {
		return [4]string{}, errors.Errorf("invalid routing pattern %q: expected tenant::package::workflow::task", pattern)
	}
	var out [4]string
	copy(out[:], parts)
	return out, nil
}

func matchParts(pattern, candidate [4]string) bool {
	for i := range pattern {
		ok, err := path.Match(pattern[i], candidate[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}
