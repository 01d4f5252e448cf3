package sandbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/domain/hook"
	"github.com/GriffinCanCode/hookhost/internal/shared/arena"
	"github.com/GriffinCanCode/hookhost/internal/shared/id"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

// State is the lifecycle state of a sandbox
type State int32

const (
	StateCreated State = iota
	StateActive
	StateDestroying
	StateGone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateDestroying:
		return "destroying"
	case StateGone:
		return "gone"
	}
	return "unknown"
}

// VirtualPrefix prefixes the name of every virtual sandbox
const VirtualPrefix = "virtual:"

// Sandbox is one isolated script execution context
type Sandbox struct {
	key       arena.Key
	id        id.SandboxID
	name      string
	path      string
	virtual   bool
	hash      string
	createdAt time.Time
	state     atomic.Int32

	// exec guards vm and everything the script reaches through it
	exec   sync.Mutex
	vm     *goja.Runtime
	ctx    context.Context
	logger *zap.Logger

	handlers  map[string][]goja.Callable
	finalizer goja.Callable

	resMu   sync.Mutex
	hooks   []hook.Handle
	patches []uintptr
}

// ID returns the sandbox identifier
func (s *Sandbox) ID() id.SandboxID { return s.id }

// Name returns the human-readable name
func (s *Sandbox) Name() string { return s.name }

// Path returns the script file, empty for virtual sandboxes
func (s *Sandbox) Path() string { return s.path }

// Virtual reports whether the sandbox is exempt from directory reloads
func (s *Sandbox) Virtual() bool { return s.virtual }

// State returns the lifecycle state
func (s *Sandbox) State() State { return State(s.state.Load()) }

// Token is the interpreter-state token passed to extensions
func (s *Sandbox) Token() uint64 { return s.key.Pack() }

// Hooks returns the handles the sandbox currently owns
func (s *Sandbox) Hooks() []hook.Handle {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	return slices.Clone(s.hooks)
}

// Patches returns the addresses of the patches the sandbox applied
func (s *Sandbox) Patches() []uintptr {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	return slices.Clone(s.patches)
}

// Info describes the sandbox for listings
func (s *Sandbox) Info() types.SandboxInfo {
	s.resMu.Lock()
	hooks, patches := len(s.hooks), len(s.patches)
	s.resMu.Unlock()

	return types.SandboxInfo{
		ID:        s.id.String(),
		Name:      s.name,
		Path:      s.path,
		Virtual:   s.virtual,
		State:     s.State().String(),
		Hooks:     hooks,
		Patches:   patches,
		Hash:      s.hash,
		CreatedAt: s.createdAt,
	}
}

func (s *Sandbox) String() string {
	return fmt.Sprintf("%s(%s)", s.name, s.id)
}

// ============================================================================
// Execution
// ============================================================================

type execKey struct{ key arena.Key }

// enter runs fn holding the execution lock. A call already running inside
// this sandbox re-enters without locking. fn is not run unless the sandbox
// is in one of the allowed states.
func (s *Sandbox) enter(ctx context.Context, fn func(ctx context.Context) error, allowed ...State) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(execKey{s.key}) == nil {
		s.exec.Lock()
		defer s.exec.Unlock()
		ctx = context.WithValue(ctx, execKey{s.key}, true)
	}
	if !slices.Contains(allowed, s.State()) {
		return false, nil
	}

	prev := s.ctx
	s.ctx = ctx
	defer func() { s.ctx = prev }()

	return true, s.run(ctx, fn)
}

// run calls fn and reports a Go panic raised under it as an error
func (s *Sandbox) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Sandbox call panicked", zap.Any("panic", p), zap.Stack("stack"))
			err = fmt.Errorf("sandbox %s panicked: %v", s.name, p)
		}
	}()
	return fn(ctx)
}

// Enter runs fn inside an active sandbox
func (s *Sandbox) Enter(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	return s.enter(ctx, fn, StateActive)
}

// callCtx is the context of the call currently executing in the sandbox.
// Only valid while the execution lock is held.
func (s *Sandbox) callCtx() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Sandbox) addHook(h hook.Handle) {
	s.resMu.Lock()
	s.hooks = append(s.hooks, h)
	s.resMu.Unlock()
}

func (s *Sandbox) dropHook(h hook.Handle) bool {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	i := slices.Index(s.hooks, h)
	if i < 0 {
		return false
	}
	s.hooks = slices.Delete(s.hooks, i, i+1)
	return true
}

func (s *Sandbox) ownsHook(h hook.Handle) bool {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	return slices.Contains(s.hooks, h)
}

func (s *Sandbox) addPatch(addr uintptr) {
	s.resMu.Lock()
	s.patches = append(s.patches, addr)
	s.resMu.Unlock()
}

func (s *Sandbox) dropPatch(addr uintptr) bool {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	i := slices.Index(s.patches, addr)
	if i < 0 {
		return false
	}
	s.patches = slices.Delete(s.patches, i, i+1)
	return true
}

// takeResources empties the owned resource lists
func (s *Sandbox) takeResources() ([]hook.Handle, []uintptr) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	hooks, patches := s.hooks, s.patches
	s.hooks, s.patches = nil, nil
	return hooks, patches
}

// ============================================================================
// Weak owner
// ============================================================================

// ref is a weak reference to a sandbox, resolved through the manager's arena
type ref struct {
	m    *Manager
	key  arena.Key
	name string
}

// Enter implements hook.Owner
func (r ref) Enter(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	sb, ok := r.m.sandboxes.Get(r.key)
	if !ok {
		return false, nil
	}
	return sb.Enter(ctx, fn)
}

func (r ref) String() string { return r.name }
