// Package singleton tracks named host-process objects that exist once per
// process, such as a world or renderer instance.
//
// An object is either registered directly by address, or discovered from an
// address record that locates the global variable holding its pointer.
package singleton

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/domain/address"
	"github.com/GriffinCanCode/hookhost/internal/domain/memory"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// Resolver resolves address records
type Resolver interface {
	ResolveOrRegister(rec address.Record) (uintptr, error)
}

// Entry is one registered singleton
type Entry struct {
	Name    string  `json:"name"`
	Address uintptr `json:"address"`
}

// Registry maps singleton names to object addresses
type Registry struct {
	mu       sync.RWMutex
	objects  map[string]uintptr
	resolver Resolver
	acc      *memory.Accessor
	logger   *zap.Logger
}

// NewRegistry creates a registry. resolver and acc may be nil, in which
// case Discover is unavailable.
func NewRegistry(resolver Resolver, acc *memory.Accessor, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		objects:  make(map[string]uintptr),
		resolver: resolver,
		acc:      acc,
		logger:   logger.Named("singletons"),
	}
}

// Register sets the address of a named singleton, replacing any previous one
func (r *Registry) Register(name string, addr uintptr) error {
	if name == "" {
		return fmt.Errorf("%w: empty singleton name", errs.ErrInvalidArgument)
	}
	if addr == 0 {
		return fmt.Errorf("%w: singleton %s has a null address", errs.ErrInvalidArgument, name)
	}

	r.mu.Lock()
	r.objects[name] = addr
	r.mu.Unlock()
	return nil
}

// Get returns the address of a named singleton
func (r *Registry) Get(name string) (uintptr, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.objects[name]
	if !ok {
		return 0, fmt.Errorf("singleton %s: %w", name, errs.ErrNotFound)
	}
	return addr, nil
}

// Remove forgets a singleton
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.objects[name]
	delete(r.objects, name)
	return ok
}

// List returns all singletons sorted by name
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.objects))
	for name, addr := range r.objects {
		out = append(out, Entry{Name: name, Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Discover resolves rec to the global that holds the object pointer,
// dereferences it and registers the object under rec.Name. A null pointer
// means the object does not exist yet and is reported as NotFound.
func (r *Registry) Discover(rec address.Record) (uintptr, error) {
	if r.resolver == nil || r.acc == nil {
		return 0, fmt.Errorf("singleton discovery unavailable: %w", errs.ErrNotFound)
	}

	global, err := r.resolver.ResolveOrRegister(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to locate singleton %s: %w", rec.Name, err)
	}
	obj, err := r.acc.ReadPointer(global)
	if err != nil {
		return 0, fmt.Errorf("failed to read singleton %s: %w", rec.Name, err)
	}
	if obj == 0 {
		return 0, fmt.Errorf("singleton %s is not constructed: %w", rec.Name, errs.ErrNotFound)
	}
	if err := r.Register(rec.Name, obj); err != nil {
		return 0, err
	}

	r.logger.Debug("Singleton discovered",
		zap.String("name", rec.Name),
		zap.String("global", fmt.Sprintf("%#x", global)),
		zap.String("object", fmt.Sprintf("%#x", obj)))
	return obj, nil
}

// DiscoverAll discovers every record, continuing past failures
func (r *Registry) DiscoverAll(recs []address.Record) error {
	var errList []error
	for _, rec := range recs {
		if _, err := r.Discover(rec); err != nil {
			r.logger.Warn("Singleton discovery failed", zap.String("name", rec.Name), zap.Error(err))
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
