package tx

import (
	"context"
	"fmt"

	"localtx/internal/core/apperror"
)

// Registry binds resource holders and synchronizations to one logical execution
// context. It travels inside context.Context and is confined to the goroutine
// that drives the transaction, so it carries no locks.
type Registry struct {
	resources        map[any]*ResourceHolder
	synchronizations []Synchronization
	syncActive       bool

	name      string
	readOnly  bool
	isolation Isolation
	active    bool
	// driver is the holder of the transaction that opened the current scope.
	driver *ResourceHolder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// registryKey is the context key for the Registry.
type registryKey struct{}

// ContextWithRegistry returns ctx carrying reg.
func ContextWithRegistry(ctx context.Context, reg *Registry) context.Context {
	return context.WithValue(ctx, registryKey{}, reg)
}

// RegistryFromContext returns the registry carried by ctx, or nil if none.
func RegistryFromContext(ctx context.Context) *Registry {
	if reg, ok := ctx.Value(registryKey{}).(*Registry); ok {
		return reg
	}
	return nil
}

// ensureRegistry returns the registry of ctx, creating and attaching one on first use.
func ensureRegistry(ctx context.Context) (context.Context, *Registry) {
	if reg := RegistryFromContext(ctx); reg != nil {
		return ctx, reg
	}
	reg := NewRegistry()
	return ContextWithRegistry(ctx, reg), reg
}

// --- Resources ---

// HasResource reports whether a live holder is bound for key.
func (r *Registry) HasResource(key any) bool {
	return r.GetResource(key) != nil
}

// GetResource returns the holder bound for key, or nil. Void holders are dropped.
func (r *Registry) GetResource(key any) *ResourceHolder {
	holder, ok := r.resources[key]
	if !ok {
		return nil
	}
	if holder.IsVoid() {
		r.remove(key)
		return nil
	}
	return holder
}

// BindResource binds holder for key. Binding an already bound key fails and
// leaves the existing binding in place.
func (r *Registry) BindResource(key any, holder *ResourceHolder) error {
	if holder == nil {
		return apperror.NewIllegalState("resource holder must not be nil").WithDetail("key", keyString(key))
	}
	if existing, ok := r.resources[key]; ok && !existing.IsVoid() {
		return apperror.NewIllegalState("resource already bound for key").WithDetail("key", keyString(key))
	}
	if r.resources == nil {
		r.resources = make(map[any]*ResourceHolder)
	}
	r.resources[key] = holder
	return nil
}

// UnbindResource removes and returns the holder bound for key.
func (r *Registry) UnbindResource(key any) (*ResourceHolder, error) {
	holder := r.UnbindResourceIfPossible(key)
	if holder == nil {
		return nil, apperror.NewIllegalState("no resource bound for key").WithDetail("key", keyString(key))
	}
	return holder, nil
}

// UnbindResourceIfPossible removes and returns the holder bound for key, or nil.
func (r *Registry) UnbindResourceIfPossible(key any) *ResourceHolder {
	holder, ok := r.resources[key]
	if !ok {
		return nil
	}
	r.remove(key)
	if holder.IsVoid() {
		return nil
	}
	return holder
}

// ResourceMap returns a snapshot of all bound holders.
func (r *Registry) ResourceMap() map[any]*ResourceHolder {
	out := make(map[any]*ResourceHolder, len(r.resources))
	for k, h := range r.resources {
		if !h.IsVoid() {
			out[k] = h
		}
	}
	return out
}

func (r *Registry) remove(key any) {
	delete(r.resources, key)
	if len(r.resources) == 0 {
		r.resources = nil
	}
}

// --- Synchronizations ---

// IsSynchronizationActive reports whether synchronizations can be registered.
func (r *Registry) IsSynchronizationActive() bool { return r.syncActive }

// InitSynchronization activates synchronization for the current context.
func (r *Registry) InitSynchronization() error {
	if r.syncActive {
		return apperror.NewIllegalState("cannot activate transaction synchronization: already active")
	}
	r.syncActive = true
	r.synchronizations = nil
	return nil
}

// RegisterSynchronization appends s. Callbacks run in registration order.
func (r *Registry) RegisterSynchronization(s Synchronization) error {
	if s == nil {
		return apperror.NewIllegalState("synchronization must not be nil")
	}
	if !r.syncActive {
		return apperror.NewIllegalState("transaction synchronization is not active")
	}
	r.synchronizations = append(r.synchronizations, s)
	return nil
}

// Synchronizations returns a snapshot of the registered synchronizations.
func (r *Registry) Synchronizations() []Synchronization {
	if !r.syncActive || len(r.synchronizations) == 0 {
		return nil
	}
	out := make([]Synchronization, len(r.synchronizations))
	copy(out, r.synchronizations)
	return out
}

// ClearSynchronization deactivates synchronization and drops all listeners.
func (r *Registry) ClearSynchronization() error {
	if !r.syncActive {
		return apperror.NewIllegalState("cannot deactivate transaction synchronization: not active")
	}
	r.syncActive = false
	r.synchronizations = nil
	return nil
}

// --- Transaction flags ---

func (r *Registry) SetCurrentTransactionName(name string) { r.name = name }

func (r *Registry) CurrentTransactionName() string { return r.name }

func (r *Registry) SetCurrentTransactionReadOnly(readOnly bool) { r.readOnly = readOnly }

// IsCurrentTransactionReadOnly lets accessors skip writes or pick a replica.
func (r *Registry) IsCurrentTransactionReadOnly() bool { return r.readOnly }

func (r *Registry) SetCurrentTransactionIsolation(i Isolation) { r.isolation = i }

func (r *Registry) CurrentTransactionIsolation() Isolation { return r.isolation }

func (r *Registry) SetActualTransactionActive(active bool) { r.active = active }

// IsActualTransactionActive reports whether a real transaction, as opposed to a
// synchronization-only scope, is active in this context.
func (r *Registry) IsActualTransactionActive() bool { return r.active }

// Clear resets synchronization state and flags. Bound resources are left alone.
func (r *Registry) Clear() {
	r.syncActive = false
	r.synchronizations = nil
	r.name = ""
	r.readOnly = false
	r.isolation = IsolationDefault
	r.active = false
	r.driver = nil
}

func keyString(key any) string {
	if s, ok := key.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", key)
}
