// Package soft is a software hook engine.
//
// Functions are Go closures placed at synthetic addresses inside a code
// Buffer, with caller supplied machine-code bytes written at each address so
// that signature scans find them. Call runs a function the way native code
// would be intercepted: probes and entry listeners fire before the body,
// the exit listener fires after it, and listeners may rewrite arguments,
// registers and the return value. The engine lets the dispatcher, the
// sandboxes and the foreign-call bridge run end to end without patching
// real machine code.
package soft

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/hookhost/internal/domain/hook"
	"github.com/GriffinCanCode/hookhost/internal/domain/memory"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

const (
	slotAlign = 0x10
	ret       = 0xC3
)

// Func is the body of a soft function
type Func func(ctx context.Context, args []uintptr) uintptr

type function struct {
	name string
	addr uintptr
	size uintptr
	body Func
}

func (f *function) contains(addr uintptr) bool {
	return addr >= f.addr && addr < f.addr+f.size
}

// Engine implements hook.Engine over soft functions
type Engine struct {
	mu        sync.RWMutex
	code      *memory.Buffer
	next      uintptr
	funcs     []*function
	byName    map[string]*function
	listeners map[uintptr]hook.Listener
	probes    map[uintptr]hook.ProbeListener
	installs  int
	failNext  error
	threads   atomic.Uint64
	strings   *arena
}

// New creates an engine placing functions in code
func New(code *memory.Buffer) *Engine {
	return &Engine{
		code:      code,
		next:      code.Base(),
		byName:    make(map[string]*function),
		listeners: make(map[uintptr]hook.Listener),
		probes:    make(map[uintptr]hook.ProbeListener),
	}
}

// WithStringArena lets foreign calls pass string arguments by copying them
// NUL-terminated into buf.
func (e *Engine) WithStringArena(buf *memory.Buffer) *Engine {
	e.strings = &arena{buf: buf, next: buf.Base()}
	return e
}

// Define places fn in the code buffer. code is written at the function
// address; a single RET is used when code is empty.
func (e *Engine) Define(name string, code []byte, fn Func) (uintptr, error) {
	if len(code) == 0 {
		code = []byte{ret}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.byName[name]; dup {
		return 0, fmt.Errorf("function %s: %w", name, errs.ErrAlreadyExists)
	}

	size := (uintptr(len(code)) + slotAlign - 1) &^ (slotAlign - 1)
	addr := e.next
	if err := e.code.Write(addr, code); err != nil {
		return 0, fmt.Errorf("define %s: %w", name, err)
	}
	e.next += size

	f := &function{name: name, addr: addr, size: size, body: fn}
	e.funcs = append(e.funcs, f)
	e.byName[name] = f
	return addr, nil
}

// MustDefine is Define for fixtures
func (e *Engine) MustDefine(name string, code []byte, fn Func) uintptr {
	addr, err := e.Define(name, code, fn)
	if err != nil {
		panic(err)
	}
	return addr
}

// Lookup returns the address of a defined function
func (e *Engine) Lookup(name string) (uintptr, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.byName[name]
	if !ok {
		return 0, false
	}
	return f.addr, true
}

// Functions returns the defined function names in address order
func (e *Engine) Functions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.funcs))
	for _, f := range e.funcs {
		names = append(names, f.name)
	}
	return names
}

func (e *Engine) find(addr uintptr) *function {
	i := sort.Search(len(e.funcs), func(i int) bool { return e.funcs[i].addr+e.funcs[i].size > addr })
	if i < len(e.funcs) && e.funcs[i].contains(addr) {
		return e.funcs[i]
	}
	return nil
}

// FailNextAttach makes the next Attach or AttachInstruction return err
func (e *Engine) FailNextAttach(err error) {
	e.mu.Lock()
	e.failNext = err
	e.mu.Unlock()
}

// Installs returns how many native listeners have ever been installed
func (e *Engine) Installs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.installs
}

// Listeners returns how many native listeners are currently installed
func (e *Engine) Listeners() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners) + len(e.probes)
}

// Attach implements hook.Engine
func (e *Engine) Attach(addr uintptr, l hook.Listener) (hook.Attachment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.takeFailure(); err != nil {
		return nil, err
	}
	f := e.find(addr)
	if f == nil || f.addr != addr {
		return nil, fmt.Errorf("no function entry at %#x", addr)
	}
	if _, busy := e.listeners[addr]; busy {
		return nil, fmt.Errorf("listener already installed at %#x", addr)
	}
	e.listeners[addr] = l
	e.installs++
	return &attachment{e: e, addr: addr}, nil
}

// AttachInstruction implements hook.Engine. Any address inside a defined
// function may be probed.
func (e *Engine) AttachInstruction(addr uintptr, l hook.ProbeListener) (hook.Attachment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.takeFailure(); err != nil {
		return nil, err
	}
	if e.find(addr) == nil {
		return nil, fmt.Errorf("no code at %#x", addr)
	}
	if _, busy := e.probes[addr]; busy {
		return nil, fmt.Errorf("probe already installed at %#x", addr)
	}
	e.probes[addr] = l
	e.installs++
	return &attachment{e: e, addr: addr, probe: true}, nil
}

func (e *Engine) takeFailure() error {
	err := e.failNext
	e.failNext = nil
	return err
}

type attachment struct {
	e     *Engine
	addr  uintptr
	probe bool
	once  sync.Once
}

func (a *attachment) Detach() error {
	detached := false
	a.once.Do(func() {
		a.e.mu.Lock()
		if a.probe {
			delete(a.e.probes, a.addr)
		} else {
			delete(a.e.listeners, a.addr)
		}
		a.e.mu.Unlock()
		detached = true
	})
	if !detached {
		return fmt.Errorf("listener at %#x already detached", a.addr)
	}
	return nil
}

// Call runs the function at addr with the given arguments, delivering
// hook events on the way in and out.
func (e *Engine) Call(ctx context.Context, addr uintptr, args ...uintptr) (uintptr, error) {
	e.mu.RLock()
	f := e.find(addr)
	if f == nil || f.addr != addr {
		e.mu.RUnlock()
		return 0, fmt.Errorf("call %#x: %w", addr, errs.ErrNotFound)
	}
	l := e.listeners[addr]
	var probes []probeAt
	for paddr, p := range e.probes {
		if f.contains(paddr) {
			probes = append(probes, probeAt{addr: paddr, l: p})
		}
	}
	e.mu.RUnlock()
	sort.Slice(probes, func(i, j int) bool { return probes[i].addr < probes[j].addr })

	ctx, tid := e.thread(ctx)
	ic := newInvocationContext(addr, tid, args)

	if l != nil {
		l.OnEnter(ctx, ic)
	}
	for _, p := range probes {
		ic.cpu.regs["rip"] = uint64(p.addr)
		p.l.OnHit(ctx, ic.at(p.addr))
	}
	ic.syncArgsFromRegisters()

	// Leave is delivered even when the body panics, keeping enter and
	// leave paired for listeners.
	result, err := f.call(ctx, ic.args)
	ic.SetReturnValue(result)

	if l != nil {
		l.OnLeave(ctx, ic)
	}
	if err != nil {
		return 0, errs.Native("call", err)
	}
	return ic.ReturnValue(), nil
}

// call runs the body, reporting a panic inside it as an error
func (f *function) call(ctx context.Context, args []uintptr) (result uintptr, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s at %#x panicked: %v", f.name, f.addr, p)
		}
	}()
	return f.body(ctx, args), nil
}

type probeAt struct {
	addr uintptr
	l    hook.ProbeListener
}

// ============================================================================
// Emulated threads
// ============================================================================

type threadKey struct{}

// WithThread pins the emulated native thread id used by calls made with ctx
func WithThread(ctx context.Context, tid uint64) context.Context {
	return context.WithValue(ctx, threadKey{}, tid)
}

// ThreadID returns the emulated thread id carried by ctx, if any
func ThreadID(ctx context.Context) (uint64, bool) {
	tid, ok := ctx.Value(threadKey{}).(uint64)
	return tid, ok
}

// thread returns the caller's emulated thread, starting a new one for a
// top-level call. Nested calls made from listeners inherit it through ctx.
func (e *Engine) thread(ctx context.Context) (context.Context, uint64) {
	if tid, ok := ThreadID(ctx); ok {
		return ctx, tid
	}
	tid := e.threads.Add(1) + 0x1000
	return WithThread(ctx, tid), tid
}
