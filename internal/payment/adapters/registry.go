package adapters

import (
	"github.com/sokoline/sokopay/internal/payment/domain"
)

// Registry resolves the adapter serving a payment method.
type Registry struct {
	adapters map[domain.Method]domain.ProviderAdapter
}

func NewRegistry(adapters ...domain.ProviderAdapter) *Registry {
	registry := &Registry{adapters: map[domain.Method]domain.ProviderAdapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		method := adapter.Method()
		if !method.Valid() {
			continue
		}
		registry.adapters[method] = adapter
	}
	return registry
}

func (r *Registry) MethodExists(method domain.Method) bool {
	if r == nil {
		return false
	}
	_, ok := r.adapters[method]
	return ok
}

func (r *Registry) Adapter(method domain.Method) (domain.ProviderAdapter, error) {
	if r == nil {
		return nil, domain.ErrUnknownProvider
	}
	adapter, ok := r.adapters[method]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return adapter, nil
}

func (r *Registry) Methods() []domain.Method {
	if r == nil {
		return nil
	}
	methods := make([]domain.Method, 0, len(r.adapters))
	for method := range r.adapters {
		methods = append(methods, method)
	}
	return methods
}
