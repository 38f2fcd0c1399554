package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AdapterRegistry is the default AdapterResolver, keyed by component type.
type AdapterRegistry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// adapters maps component type to its primary adapter.
	adapters map[string]LayerAdapter

	// alternates maps component type to a fallback adapter.
	alternates map[string]LayerAdapter
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		adapters:   make(map[string]LayerAdapter),
		alternates: make(map[string]LayerAdapter),
	}
}

// Register sets the primary adapter for a component type.
func (r *AdapterRegistry) Register(componentType string, adapter LayerAdapter) error {
	if componentType == "" {
		return fmt.Errorf("component type is required")
	}
	if adapter == nil {
		return fmt.Errorf("adapter for %s is nil", componentType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[componentType]; exists {
		return fmt.Errorf("adapter for %s already registered", componentType)
	}
	r.adapters[componentType] = adapter
	return nil
}

// RegisterAlternate sets a fallback adapter used by the alternate recovery strategy.
func (r *AdapterRegistry) RegisterAlternate(componentType string, adapter LayerAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alternates[componentType] = adapter
}

// Adapter implements AdapterResolver.
func (r *AdapterRegistry) Adapter(componentType string) (LayerAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[componentType]
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("no layer adapter registered for type %q", componentType), nil).
			WithCode(ErrCodeNotFound).
			WithResource(componentType)
	}
	return adapter, nil
}

// Alternate implements AdapterResolver.
func (r *AdapterRegistry) Alternate(componentType string) (LayerAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.alternates[componentType]
	return adapter, ok
}

// Types implements AdapterResolver.
func (r *AdapterRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CheckHealth aggregates the health of every registered adapter.
// The result is unhealthy if any adapter is unhealthy or its check errors.
func (r *AdapterRegistry) CheckHealth(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Healthy:   true,
		Details:   make(map[string]interface{}),
		CheckedAt: time.Now(),
	}

	for _, t := range r.Types() {
		adapter, err := r.Adapter(t)
		if err != nil {
			continue
		}
		h, err := adapter.CheckHealth(ctx)
		switch {
		case err != nil:
			status.Healthy = false
			status.Details[t] = err.Error()
			if status.Reason == "" {
				status.Reason = fmt.Sprintf("%s health check failed: %v", t, err)
			}
		case h == nil || !h.Healthy:
			status.Healthy = false
			reason := "unhealthy"
			if h != nil && h.Reason != "" {
				reason = h.Reason
			}
			status.Details[t] = reason
			if status.Reason == "" {
				status.Reason = fmt.Sprintf("%s: %s", t, reason)
			}
		default:
			status.Details[t] = "healthy"
		}
	}

	return status
}
