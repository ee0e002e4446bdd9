package authorization

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SharedNamespace is a topic filter every identity may publish and subscribe to
type SharedNamespace struct {
	Name   string `yaml:"name"`
	Filter string `yaml:"filter"`
}

// Policy is the topic policy of the gate
type Policy struct {
	ReservedPrefixes []string          `yaml:"reserved_prefixes"`
	Shared           []SharedNamespace `yaml:"shared"`
}

// DefaultPolicy reserves "$SYS/" and shares "chat/#"
func DefaultPolicy() Policy {
	return Policy{
		ReservedPrefixes: []string{"$SYS/"},
		Shared:           []SharedNamespace{{Name: "chat", Filter: "chat/#"}},
	}
}

// LoadPolicy reads a YAML policy file. Omitted reserved prefixes default to "$SYS/".
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("cannot parse policy %s: %w", path, err)
	}
	if len(p.ReservedPrefixes) == 0 {
		p.ReservedPrefixes = DefaultPolicy().ReservedPrefixes
	}
	return p, p.Validate()
}

// Validate checks the shared namespaces
func (p Policy) Validate() error {
	for _, s := range p.Shared {
		if s.Name == "" || s.Filter == "" {
			return fmt.Errorf("shared namespace needs name and filter")
		}
		if s.Filter == "#" || strings.HasPrefix(s.Filter, "+") || strings.HasPrefix(s.Filter, "devices/") {
			return fmt.Errorf("shared namespace %s: filter '%s' would cover device namespaces", s.Name, s.Filter)
		}
		for _, r := range p.ReservedPrefixes {
			if strings.HasPrefix(s.Filter, r) {
				return fmt.Errorf("shared namespace %s is reserved", s.Name)
			}
		}
	}
	return nil
}
