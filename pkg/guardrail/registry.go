package guardrail

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Guardrail is a registered, validated guardrail definition.
type Guardrail struct {
	Config *Config
	Origin Origin
	// ConfigHash keys evaluator warm caches (compiled patterns,
	// centroids). Computed once at registration.
	ConfigHash string
}

// Summary is the listing shape returned by the admin surface.
type Summary struct {
	ID         string `json:"id"`
	Type       string `json:"type"` // "static" or "dynamic"
	Kind       Kind   `json:"kind"`
	Name       string `json:"name"`
	MetricName string `json:"metric_name,omitempty"`
}

// Registry is the catalog of static and dynamic guardrails. Static entries
// are compiled-in; dynamic ones arrive via the admin endpoint or the JSON
// repo directory. Replacement swaps the whole entry under the write lock,
// so readers never observe partial state.
type Registry struct {
	mu      sync.RWMutex
	static  map[string]*Guardrail
	dynamic map[string]*Guardrail
}

// NewRegistry creates an empty registry and installs the built-in
// guardrails.
func NewRegistry() *Registry {
	r := &Registry{
		static:  make(map[string]*Guardrail),
		dynamic: make(map[string]*Guardrail),
	}
	for _, cfg := range builtinConfigs() {
		cfg.setDefaults()
		if err := cfg.Validate(); err != nil {
			// Built-ins are compiled in; a broken one is a programmer error.
			panic(fmt.Sprintf("invalid built-in guardrail %s: %v", cfg.ID, err))
		}
		r.static[cfg.ID] = &Guardrail{Config: cfg, Origin: OriginStatic, ConfigHash: cfg.Hash()}
	}
	return r
}

// Register validates and installs a dynamic guardrail. Registering an
// existing id atomically replaces the entry. Static ids cannot be
// shadowed.
func (r *Registry) Register(cfg *Config) error {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.static[cfg.ID]; exists {
		return fmt.Errorf("guardrail %s is built-in and cannot be replaced", cfg.ID)
	}

	_, replaced := r.dynamic[cfg.ID]
	r.dynamic[cfg.ID] = &Guardrail{Config: cfg, Origin: OriginDynamic, ConfigHash: cfg.Hash()}

	log.WithFields(log.Fields{
		"guardrail_id": cfg.ID,
		"type":         cfg.Type,
		"metric":       cfg.MetricName,
		"replaced":     replaced,
	}).Info("Guardrail registered")

	return nil
}

// Unregister removes a dynamic guardrail.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.dynamic[id]; !exists {
		return fmt.Errorf("guardrail not found: %s", id)
	}
	delete(r.dynamic, id)
	log.WithField("guardrail_id", id).Info("Guardrail unregistered")
	return nil
}

// Get returns a guardrail by id, dynamic entries shadowing nothing
// (static ids are reserved).
func (r *Registry) Get(id string) (*Guardrail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if g, ok := r.static[id]; ok {
		return g, nil
	}
	if g, ok := r.dynamic[id]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("guardrail not found: %s", id)
}

// GetConfig returns the stored config of a dynamic guardrail.
func (r *Registry) GetConfig(id string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if g, ok := r.dynamic[id]; ok {
		return g.Config, nil
	}
	return nil, fmt.Errorf("config not found: %s", id)
}

// List returns all guardrails, static and dynamic, sorted by id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.static)+len(r.dynamic))
	for id, g := range r.static {
		out = append(out, Summary{
			ID: id, Type: string(OriginStatic), Kind: g.Config.Type,
			Name: g.Config.Name, MetricName: g.Config.MetricName,
		})
	}
	for id, g := range r.dynamic {
		out = append(out, Summary{
			ID: id, Type: string(OriginDynamic), Kind: g.Config.Type,
			Name: g.Config.Name, MetricName: g.Config.MetricName,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns how many guardrails are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.static) + len(r.dynamic)
}

// MetricOwner returns the id of the guardrail producing the given metric,
// if any. Used to bind envelope constraints to guardrails.
func (r *Registry) MetricOwner(metric string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, g := range r.static {
		if g.Config.MetricName == metric {
			return id, true
		}
	}
	for id, g := range r.dynamic {
		if g.Config.MetricName == metric {
			return id, true
		}
	}
	return "", false
}
