// Package params layers user parameter edits over the default catalog that
// the server publishes for each node.
package params

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/qua-platform/qualibrate-console/pkg/graph"
)

// Path identifies a node: the workflow it belongs to, the breadcrumb chain of
// containers leading to its level, and its id at that level. Standalone
// runnable nodes use an empty Workflow and no Crumbs.
type Path struct {
	Workflow string
	Crumbs   []graph.NodeKey
	Node     graph.NodeKey
}

// Key returns the canonical string form of the path used to index overrides.
func (p Path) Key() string {
	var sb strings.Builder
	sb.WriteString(p.Workflow)
	for _, c := range p.Crumbs {
		sb.WriteByte('/')
		sb.WriteString(string(c))
	}
	sb.WriteString("#")
	sb.WriteString(string(p.Node))
	return sb.String()
}

// Overrides stores parameter values entered by the user, keyed by node path.
// The catalog passed to the read methods is never written.
type Overrides struct {
	mu     sync.RWMutex
	values map[string]map[string]any
}

// NewOverrides creates an empty override table.
func NewOverrides() *Overrides {
	return &Overrides{values: make(map[string]map[string]any)}
}

// Set stores value for key on the node at path.
func (o *Overrides) Set(path Path, key string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := path.Key()
	if o.values[k] == nil {
		o.values[k] = make(map[string]any)
	}
	o.values[k][key] = value
}

// Clear removes a single override; the catalog default becomes effective again.
func (o *Overrides) Clear(path Path, key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := path.Key()
	delete(o.values[k], key)
	if len(o.values[k]) == 0 {
		delete(o.values, k)
	}
}

// ClearNode removes every override of the node at path.
func (o *Overrides) ClearNode(path Path) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.values, path.Key())
}

// Reset drops all overrides.
func (o *Overrides) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values = make(map[string]map[string]any)
}

// Lookup returns the override for key, if one is set.
func (o *Overrides) Lookup(path Path, key string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[path.Key()][key]
	return v, ok
}

// Overridden returns the sorted keys that currently carry an override.
func (o *Overrides) Overridden(path Path) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]string, 0, len(o.values[path.Key()]))
	for k := range o.values[path.Key()] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Effective returns the override for key if present, else the catalog default.
// The second result is false when the key is neither overridden nor known to
// the catalog.
func (o *Overrides) Effective(path Path, catalog map[string]graph.Parameter, key string) (any, bool) {
	if v, ok := o.Lookup(path, key); ok {
		return v, true
	}
	p, ok := catalog[key]
	if !ok {
		return nil, false
	}
	return p.Default, true
}

// Toggle flips a boolean parameter and returns the new value. Parameters of
// any other type are rejected.
func (o *Overrides) Toggle(path Path, catalog map[string]graph.Parameter, key string) (bool, error) {
	p, ok := catalog[key]
	if !ok {
		return false, fmt.Errorf("unknown parameter %q", key)
	}
	if p.Type != graph.ParamBoolean {
		return false, fmt.Errorf("parameter %q is %s, not boolean", key, p.Type)
	}
	current, _ := o.Effective(path, catalog, key)
	b, _ := asBool(current)
	next := !b
	o.Set(path, key, next)
	return next, nil
}

// Submission returns the parameter values to send when running the node:
// every catalog key with its effective value, coerced to the declared type.
// Values that fail coercion are passed through unchanged for the server to
// validate.
func (o *Overrides) Submission(path Path, catalog map[string]graph.Parameter) map[string]any {
	out := make(map[string]any, len(catalog))
	for key, p := range catalog {
		v, _ := o.Effective(path, catalog, key)
		out[key] = Coerce(p.Type, v)
	}
	return out
}

// Coerce converts free-form text input to the declared parameter type.
// Non-string values and unknown types are returned as given.
func Coerce(typ string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	switch typ {
	case graph.ParamInteger:
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return n
		}
	case graph.ParamNumber:
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return f
		}
	case graph.ParamBoolean:
		if b, ok := asBool(trimmed); ok {
			return b
		}
	}
	return v
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	}
	return false, false
}
