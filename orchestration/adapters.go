package orchestration

import (
	"fmt"
	"sort"
	"sync"

	"github.com/actionplane/actionplane/core"
)

// Registry is the in-process adapter registry: one PlatformClient per
// platform tag, plus the parameter mappings fallback dispatch uses to
// translate an action between platform dialects.
//
// Registration normally happens once at startup, before the orchestrator
// starts, but all methods are safe for concurrent use so adapters can be
// swapped in tests.
type Registry struct {
	mu      sync.RWMutex
	clients map[core.Platform]core.PlatformClient
	mappers map[mapperKey]ParamMapper
	logger  core.Logger
}

type mapperKey struct {
	actionType string
	from       core.Platform
	to         core.Platform
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		clients: make(map[core.Platform]core.PlatformClient),
		mappers: make(map[mapperKey]ParamMapper),
		logger:  logger,
	}
}

// Register binds a client to a platform tag, replacing any previous binding.
func (r *Registry) Register(platform core.Platform, client core.PlatformClient) {
	if client == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[platform] = client

	r.logger.Info("Platform adapter registered", map[string]interface{}{
		"operation": "adapter_register",
		"platform":  string(platform),
	})
}

// Client implements AdapterRegistry.
func (r *Registry) Client(platform core.Platform) (core.PlatformClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[platform]
	if !ok {
		return nil, core.NewOrchestrationError("adapter_lookup", core.KindValidation,
			fmt.Errorf("%w: %s", core.ErrUnknownPlatform, platform))
	}
	return client, nil
}

// Compensator implements AdapterRegistry.
func (r *Registry) Compensator(platform core.Platform) (core.Compensator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[platform]
	if !ok {
		return nil, false
	}
	comp, ok := client.(core.Compensator)
	return comp, ok
}

// MaskedFields implements AdapterRegistry.
func (r *Registry) MaskedFields(platform core.Platform) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[platform]
	if !ok {
		return nil
	}
	masker, ok := client.(core.FieldMasker)
	if !ok {
		return nil
	}
	return masker.MaskedFields()
}

// RegisterParamMapper binds a translation for one action type between two
// platforms. Fallback dispatch consults it before re-routing.
func (r *Registry) RegisterParamMapper(actionType string, from, to core.Platform, fn ParamMapper) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[mapperKey{actionType: actionType, from: from, to: to}] = fn
}

// MapParams implements AdapterRegistry. Missing mappings pass the params
// through unchanged.
func (r *Registry) MapParams(actionType string, from, to core.Platform, params map[string]interface{}) map[string]interface{} {
	r.mu.RLock()
	fn, ok := r.mappers[mapperKey{actionType: actionType, from: from, to: to}]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("No param mapping registered, passing through", map[string]interface{}{
			"operation":   "param_map",
			"action_type": actionType,
			"from":        string(from),
			"to":          string(to),
		})
		return params
	}
	return fn(params)
}

// Platforms implements AdapterRegistry. Sorted for stable health output.
func (r *Registry) Platforms() []core.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Platform, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Compile-time check
var _ AdapterRegistry = (*Registry)(nil)
