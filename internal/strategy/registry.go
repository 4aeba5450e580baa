package strategy

import (
	"fmt"
	"sort"
)

// Builder constructs a strategy from its configured instance.
type Builder func(cfg Config) (Strategy, error)

// builtins is the fixed set of strategy kinds compiled into the binary.
var builtins = map[string]Builder{
	"mean_revert": newMeanRevert,
	"ma_cross":    newMACross,
	"rsi":         newRSI,
	"bollinger":   newBollinger,
}

// Kinds lists the built-in strategy kinds.
func Kinds() []string {
	out := make([]string, 0, len(builtins))
	for k := range builtins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Registry maps configured instance names to their builders.
type Registry struct {
	configs map[string]Config
}

// NewRegistry checks every instance against the built-in kinds.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{configs: make(map[string]Config, len(configs))}
	for _, c := range configs {
		if _, ok := builtins[c.Kind]; !ok {
			return nil, fmt.Errorf("%w %q for %s", ErrUnknownKind, c.Kind, c.Name)
		}
		r.configs[c.Name] = c
	}
	return r, nil
}

// Config returns the configured instance called name.
func (r *Registry) Config(name string) (Config, bool) {
	if r == nil {
		return Config{}, false
	}
	c, ok := r.configs[name]
	return c, ok
}

// Names returns configured instance names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.configs))
	for n := range r.configs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Factory returns a factory that builds a fresh instance on every call.
func (r *Registry) Factory(name string) (Factory, error) {
	c, ok := r.Config(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	build := builtins[c.Kind]
	return func() (Strategy, error) { return build(c) }, nil
}
