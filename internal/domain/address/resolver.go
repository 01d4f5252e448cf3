// Package address locates internal host structures by byte signature.
//
// A Resolver owns a table of named records. Resolving a name scans the
// configured range for the record's signature once, applies the record's
// offset to the first match, and caches the result. The cache is never
// refreshed implicitly: Register does not touch it, and rescans happen
// only after Invalidate or Remove.
package address

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/domain/memory"
	"github.com/GriffinCanCode/hookhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

// Record is a named signature with a signed offset applied to its match
type Record struct {
	Name    string `yaml:"name" json:"name" validate:"required"`
	Pattern string `yaml:"pattern" json:"pattern" validate:"required"`
	Offset  int64  `yaml:"offset" json:"offset"`
}

type entry struct {
	record  Record
	pattern Pattern
}

var errNoRecord = fmt.Errorf("address record: %w", errs.ErrNotFound)

// Resolver resolves named records to absolute addresses
type Resolver struct {
	mu      sync.Mutex
	acc     *memory.Accessor
	rng     memory.Region
	records map[string]entry
	cache   map[string]uintptr
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewResolver creates a resolver scanning rng through acc
func NewResolver(acc *memory.Accessor, rng memory.Region, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		acc:     acc,
		rng:     rng,
		records: make(map[string]entry),
		cache:   make(map[string]uintptr),
		logger:  logger.Named("resolver"),
	}
}

// WithMetrics sets the metrics collector
func (r *Resolver) WithMetrics(metrics *monitoring.Metrics) *Resolver {
	r.metrics = metrics
	return r
}

// Range returns the scanned range
func (r *Resolver) Range() memory.Region { return r.rng }

// Register inserts or overwrites a record. An existing cached address for
// the same name is kept.
func (r *Resolver) Register(rec Record) error {
	e, err := compile(rec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.records[rec.Name] = e
	r.mu.Unlock()
	return nil
}

// RegisterAll registers every record, continuing past invalid ones
func (r *Resolver) RegisterAll(recs []Record) error {
	var errList []error
	for _, rec := range recs {
		if err := r.Register(rec); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Resolve returns the cached address for name, scanning on first use
func (r *Resolver) Resolve(name string) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(name)
}

// TryResolve is Resolve without the error detail
func (r *Resolver) TryResolve(name string) (uintptr, bool) {
	addr, err := r.Resolve(name)
	return addr, err == nil
}

// ResolveOrRegister resolves name, registering rec first if no record by
// that name exists. The lookup and the registration happen under one lock.
func (r *Resolver) ResolveOrRegister(rec Record) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr, err := r.resolveLocked(rec.Name)
	if !errors.Is(err, errNoRecord) {
		return addr, err
	}

	e, err := compile(rec)
	if err != nil {
		return 0, err
	}
	r.records[rec.Name] = e
	return r.resolveLocked(rec.Name)
}

// Invalidate drops the cached address for name so the next Resolve rescans
func (r *Resolver) Invalidate(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cache[name]
	delete(r.cache, name)
	return ok
}

// Remove deletes the record and its cached address
func (r *Resolver) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[name]
	delete(r.records, name)
	delete(r.cache, name)
	return ok
}

// Cached returns the cached address for name without scanning
func (r *Resolver) Cached(name string) (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.cache[name]
	return addr, ok
}

// Records lists every record with its resolution state, sorted by name
func (r *Resolver) Records() []types.AddressInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.AddressInfo, 0, len(r.records))
	for name, e := range r.records {
		info := types.AddressInfo{
			Name:    name,
			Pattern: e.record.Pattern,
			Offset:  e.record.Offset,
		}
		if addr, ok := r.cache[name]; ok {
			info.Resolved = true
			info.Address = fmt.Sprintf("%#x", addr)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CachedCount returns the number of cached resolutions
func (r *Resolver) CachedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Scan finds the first match of pattern in [base, base+size) and adds offset
func (r *Resolver) Scan(base uintptr, size int, pattern string, offset int64) (uintptr, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return 0, err
	}
	data, err := r.acc.Read(base, size)
	if err != nil {
		return 0, err
	}
	addr, err := ScanFirst(data, base, p)
	if err != nil {
		return 0, err
	}
	return uintptr(int64(addr) + offset), nil
}

// ScanAll returns every non-overlapping match of pattern in [base, base+size)
func (r *Resolver) ScanAll(base uintptr, size int, pattern string) ([]uintptr, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	data, err := r.acc.Read(base, size)
	if err != nil {
		return nil, err
	}
	return ScanAll(data, base, p)
}

func (r *Resolver) resolveLocked(name string) (uintptr, error) {
	if addr, ok := r.cache[name]; ok {
		r.metrics.RecordResolve("hit")
		return addr, nil
	}

	e, ok := r.records[name]
	if !ok {
		r.metrics.RecordResolve("miss")
		return 0, fmt.Errorf("%s: %w", name, errNoRecord)
	}

	data, err := r.acc.Read(r.rng.Addr, int(r.rng.Size))
	if err != nil {
		r.metrics.RecordResolve("error")
		return 0, fmt.Errorf("scan for %s: %w", name, err)
	}
	match, err := ScanFirst(data, r.rng.Addr, e.pattern)
	if err != nil {
		r.metrics.RecordResolve("miss")
		return 0, fmt.Errorf("scan for %s: %w", name, err)
	}

	addr := uintptr(int64(match) + e.record.Offset)
	r.cache[name] = addr
	r.metrics.RecordResolve("scan")
	r.logger.Debug("Resolved address record",
		zap.String("name", name),
		zap.String("address", fmt.Sprintf("%#x", addr)))
	return addr, nil
}

func compile(rec Record) (entry, error) {
	if rec.Name == "" {
		return entry{}, fmt.Errorf("%w: record name is empty", errs.ErrInvalidArgument)
	}
	p, err := ParsePattern(rec.Pattern)
	if err != nil {
		return entry{}, fmt.Errorf("record %s: %w", rec.Name, err)
	}
	return entry{record: rec, pattern: p}, nil
}
