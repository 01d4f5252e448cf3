package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

// Field is one named, typed member of a remote structure
type Field struct {
	Name   string     `json:"name" yaml:"name"`
	Offset int64      `json:"offset" yaml:"offset"`
	Kind   types.Kind `json:"kind" yaml:"kind"`
}

// Schema describes the layout of a structure living in remote memory
type Schema struct {
	Name   string
	fields map[string]Field
	order  []string
}

// NewSchema validates fields and builds a schema
func NewSchema(name string, fields ...Field) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: schema name is empty", errs.ErrInvalidArgument)
	}
	s := &Schema{Name: name, fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: schema %s has an unnamed field", errs.ErrInvalidArgument, name)
		}
		if _, dup := s.fields[f.Name]; dup {
			return nil, fmt.Errorf("%w: schema %s field %s", errs.ErrAlreadyExists, name, f.Name)
		}
		if f.Kind.Size() == 0 {
			return nil, fmt.Errorf("%w: schema %s field %s has kind %q",
				errs.ErrInvalidArgument, name, f.Name, f.Kind)
		}
		s.fields[f.Name] = f
		s.order = append(s.order, f.Name)
	}
	return s, nil
}

// Field returns a field by name
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// Fields returns the fields in declaration order
func (s *Schema) Fields() []Field {
	out := make([]Field, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.fields[name])
	}
	return out
}

// View is a typed window onto a structure at a fixed address
type View struct {
	addr   uintptr
	schema *Schema
	acc    *Accessor
}

// NewView binds schema to addr
func NewView(acc *Accessor, addr uintptr, schema *Schema) *View {
	return &View{addr: addr, schema: schema, acc: acc}
}

// Address returns the structure base address
func (v *View) Address() uintptr { return v.addr }

// Schema returns the bound schema
func (v *View) Schema() *Schema { return v.schema }

func (v *View) field(name string) (Field, uintptr, error) {
	f, ok := v.schema.Field(name)
	if !ok {
		return Field{}, 0, fmt.Errorf("%s.%s: %w", v.schema.Name, name, errs.ErrNotFound)
	}
	return f, uintptr(int64(v.addr) + f.Offset), nil
}

// Get reads a field
func (v *View) Get(name string) (any, error) {
	f, addr, err := v.field(name)
	if err != nil {
		return nil, err
	}
	val, err := v.acc.ReadValue(addr, f.Kind)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", v.schema.Name, name, err)
	}
	return val, nil
}

// Set writes a field
func (v *View) Set(name string, value any) error {
	f, addr, err := v.field(name)
	if err != nil {
		return err
	}
	if err := v.acc.WriteValue(addr, f.Kind, value); err != nil {
		return fmt.Errorf("%s.%s: %w", v.schema.Name, name, err)
	}
	return nil
}

// Snapshot reads every field. Unreadable fields are reported in the error
// map rather than failing the whole read.
func (v *View) Snapshot() (map[string]any, map[string]error) {
	values := make(map[string]any, len(v.schema.order))
	var failed map[string]error
	for _, name := range v.schema.order {
		val, err := v.Get(name)
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[name] = err
			continue
		}
		values[name] = val
	}
	return values, failed
}

// SchemaSet is a registry of named schemas shared between sandboxes
type SchemaSet struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewSchemaSet creates an empty schema registry
func NewSchemaSet() *SchemaSet {
	return &SchemaSet{schemas: make(map[string]*Schema)}
}

// Define registers or replaces a schema
func (s *SchemaSet) Define(schema *Schema) {
	s.mu.Lock()
	s.schemas[schema.Name] = schema
	s.mu.Unlock()
}

// Get returns a schema by name
func (s *SchemaSet) Get(name string) (*Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[name]
	if !ok {
		return nil, fmt.Errorf("schema %s: %w", name, errs.ErrNotFound)
	}
	return schema, nil
}

// Names returns every schema name in sorted order
func (s *SchemaSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
