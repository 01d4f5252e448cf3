package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/hookhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

// Callback is invoked for one hook event
type Callback func(ctx context.Context, inv *Invocation) error

// Callbacks are the listener functions of a boundary hook
type Callbacks struct {
	OnEnter Callback
	OnLeave Callback
}

// Owner is a weak reference to whoever attached a hook. Enter runs fn in
// the owner's execution context and reports false, without calling fn,
// when the owner no longer exists.
type Owner interface {
	Enter(ctx context.Context, fn func(ctx context.Context) error) (alive bool, err error)
	String() string
}

type registration struct {
	handle  Handle
	addr    uintptr
	owner   Owner
	onEnter Callback
	onLeave Callback
	onHit   Callback
	errLog  *rate.Sometimes
}

func (r *registration) callback(cut PointCut) Callback {
	switch cut {
	case PointEnter:
		return r.onEnter
	case PointLeave:
		return r.onLeave
	case PointHit:
		return r.onHit
	}
	return nil
}

func (r *registration) ownerName() string {
	if r.owner == nil {
		return "native"
	}
	return r.owner.String()
}

// point is one physical interception point
type point struct {
	addr       uintptr
	kind       Kind
	attachment Attachment
	handles    []Handle
}

// Dispatcher owns the interception points and the registrations on them.
// All table access happens under mu, and mu is never held while a
// callback runs, so callbacks may attach and detach freely.
type Dispatcher struct {
	mu      sync.Mutex
	engine  Engine
	points  map[uintptr]*point
	regs    map[Handle]*registration
	scratch *scratchStore
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewDispatcher creates a dispatcher installing listeners through engine
func NewDispatcher(engine Engine, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		engine:  engine,
		points:  make(map[uintptr]*point),
		regs:    make(map[Handle]*registration),
		scratch: newScratchStore(),
		logger:  logger.Named("dispatcher"),
	}
}

// WithMetrics sets the metrics collector
func (d *Dispatcher) WithMetrics(metrics *monitoring.Metrics) *Dispatcher {
	d.metrics = metrics
	return d
}

// Attach registers a boundary hook at addr
func (d *Dispatcher) Attach(addr uintptr, owner Owner, cb Callbacks) (Handle, error) {
	if cb.OnEnter == nil && cb.OnLeave == nil {
		return Handle{}, fmt.Errorf("%w: boundary hook needs an entry or exit callback", errs.ErrInvalidArgument)
	}
	return d.attach(addr, KindBoundary, &registration{
		owner:   owner,
		onEnter: cb.OnEnter,
		onLeave: cb.OnLeave,
	})
}

// AttachProbe registers an instruction probe at addr
func (d *Dispatcher) AttachProbe(addr uintptr, owner Owner, onHit Callback) (Handle, error) {
	if onHit == nil {
		return Handle{}, fmt.Errorf("%w: probe needs a hit callback", errs.ErrInvalidArgument)
	}
	return d.attach(addr, KindProbe, &registration{
		owner: owner,
		onHit: onHit,
	})
}

func (d *Dispatcher) attach(addr uintptr, kind Kind, reg *registration) (Handle, error) {
	if addr == 0 {
		return Handle{}, fmt.Errorf("%w: null hook address", errs.ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.points[addr]
	if ok && p.kind != kind {
		return Handle{}, fmt.Errorf("%w: %#x already carries a %s hook", errs.ErrAlreadyExists, addr, p.kind)
	}
	if !ok {
		att, err := d.install(addr, kind)
		if err != nil {
			return Handle{}, fmt.Errorf("attach %s hook at %#x: %w", kind, addr, errs.Native("install listener", err))
		}
		p = &point{addr: addr, kind: kind, attachment: att}
		d.points[addr] = p
		d.logger.Debug("Installed native listener",
			zap.String("address", fmt.Sprintf("%#x", addr)),
			zap.Stringer("kind", kind))
	}

	reg.handle = newHandle(kind)
	reg.addr = addr
	reg.errLog = &rate.Sometimes{First: 3, Interval: 10 * time.Second}

	p.handles = append(p.handles, reg.handle)
	d.regs[reg.handle] = reg
	d.publishLocked()

	return reg.handle, nil
}

func (d *Dispatcher) install(addr uintptr, kind Kind) (Attachment, error) {
	if kind == KindProbe {
		return d.engine.AttachInstruction(addr, probeListener{d: d, addr: addr})
	}
	return d.engine.Attach(addr, boundaryListener{d: d, addr: addr})
}

// Detach removes one registration. The native listener is released with
// the last registration at its address. Unknown handles report false.
func (d *Dispatcher) Detach(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detachLocked(h)
}

// DetachAll detaches every handle and returns how many were live
func (d *Dispatcher) DetachAll(handles []Handle) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, h := range handles {
		if d.detachLocked(h) {
			n++
		}
	}
	return n
}

func (d *Dispatcher) detachLocked(h Handle) bool {
	reg, ok := d.regs[h]
	if !ok {
		return false
	}
	delete(d.regs, h)

	p := d.points[reg.addr]
	if p != nil {
		for i, other := range p.handles {
			if other == h {
				p.handles = append(p.handles[:i], p.handles[i+1:]...)
				break
			}
		}
		if len(p.handles) == 0 {
			delete(d.points, reg.addr)
			if err := p.attachment.Detach(); err != nil {
				d.logger.Error("Failed to release native listener",
					zap.String("address", fmt.Sprintf("%#x", reg.addr)),
					zap.Stringer("handle", h),
					zap.Error(errs.Native("detach listener", err)))
			}
		}
	}

	d.publishLocked()
	return true
}

// Close detaches every registration
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errList []error
	for addr, p := range d.points {
		if err := p.attachment.Detach(); err != nil {
			errList = append(errList, fmt.Errorf("detach %#x: %w", addr, err))
		}
	}
	d.points = make(map[uintptr]*point)
	d.regs = make(map[Handle]*registration)
	d.publishLocked()
	return errors.Join(errList...)
}

func (d *Dispatcher) publishLocked() {
	d.metrics.SetHookState(len(d.points), len(d.regs))
}

// ============================================================================
// Introspection
// ============================================================================

// PointCount returns the number of installed native listeners
func (d *Dispatcher) PointCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.points)
}

// RegistrationCount returns the number of live registrations
func (d *Dispatcher) RegistrationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regs)
}

// HandlesAt returns the registrations at addr in registration order
func (d *Dispatcher) HandlesAt(addr uintptr) []Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.points[addr]
	if !ok {
		return nil
	}
	return append([]Handle(nil), p.handles...)
}

// IsLive reports whether h is still registered
func (d *Dispatcher) IsLive(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.regs[h]
	return ok
}

// Hooks lists every registration ordered by address, then registration order
func (d *Dispatcher) Hooks() []types.HookInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	addrs := make([]uintptr, 0, len(d.points))
	for addr := range d.points {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	out := make([]types.HookInfo, 0, len(d.regs))
	for _, addr := range addrs {
		for _, h := range d.points[addr].handles {
			out = append(out, types.HookInfo{
				Handle:  h.String(),
				Kind:    h.Kind.String(),
				Address: fmt.Sprintf("%#x", addr),
				Owner:   d.regs[h].ownerName(),
			})
		}
	}
	return out
}

// ============================================================================
// Event delivery
// ============================================================================

type boundaryListener struct {
	d    *Dispatcher
	addr uintptr
}

func (l boundaryListener) OnEnter(ctx context.Context, ic InvocationContext) {
	f := l.d.scratch.push(ic.ThreadID())
	l.d.dispatch(ctx, l.addr, ic, PointEnter, f)
}

func (l boundaryListener) OnLeave(ctx context.Context, ic InvocationContext) {
	tid := ic.ThreadID()
	f := l.d.scratch.top(tid)
	defer l.d.scratch.pop(tid)
	l.d.dispatch(ctx, l.addr, ic, PointLeave, f)
}

type probeListener struct {
	d    *Dispatcher
	addr uintptr
}

func (l probeListener) OnHit(ctx context.Context, ic InvocationContext) {
	l.d.dispatch(ctx, l.addr, ic, PointHit, nil)
}

// snapshot copies the registrations at addr so callbacks run unlocked
func (d *Dispatcher) snapshot(addr uintptr) []*registration {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.points[addr]
	if !ok {
		return nil
	}
	regs := make([]*registration, 0, len(p.handles))
	for _, h := range p.handles {
		regs = append(regs, d.regs[h])
	}
	return regs
}

func (d *Dispatcher) dispatch(ctx context.Context, addr uintptr, ic InvocationContext, cut PointCut, f *frame) {
	d.metrics.RecordHookEvent(cut.String())

	for _, reg := range d.snapshot(addr) {
		cb := reg.callback(cut)
		if cb == nil {
			continue
		}
		// A detach made by an earlier callback takes effect immediately.
		if !d.IsLive(reg.handle) {
			continue
		}

		var scratch map[string]any
		if f != nil {
			scratch = f.scope(reg.handle)
		}
		inv := newInvocation(ic, cut, reg.handle, scratch)
		d.invoke(ctx, reg, inv, cb)
		inv.release()
	}
}

func (d *Dispatcher) invoke(ctx context.Context, reg *registration, inv *Invocation, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordCallbackFailure("panic")
			reg.errLog.Do(func() {
				d.logger.Error("Hook callback panicked",
					zap.Stringer("handle", reg.handle),
					zap.String("address", fmt.Sprintf("%#x", reg.addr)),
					zap.String("owner", reg.ownerName()),
					zap.Stringer("cut", inv.cut),
					zap.Any("panic", r),
					zap.Stack("stack"))
			})
		}
	}()

	run := func(ctx context.Context) error { return cb(ctx, inv) }

	var err error
	if reg.owner == nil {
		err = run(ctx)
	} else {
		var alive bool
		alive, err = reg.owner.Enter(ctx, run)
		if !alive {
			d.metrics.IncDeadOwnerSkips()
			d.logger.Debug("Skipping hook of a destroyed owner",
				zap.Stringer("handle", reg.handle),
				zap.String("owner", reg.ownerName()))
			return
		}
	}

	if err != nil {
		d.metrics.RecordCallbackFailure("error")
		reg.errLog.Do(func() {
			d.logger.Error("Hook callback failed",
				zap.Stringer("handle", reg.handle),
				zap.String("address", fmt.Sprintf("%#x", reg.addr)),
				zap.String("owner", reg.ownerName()),
				zap.Stringer("cut", inv.cut),
				zap.Error(err))
		})
	}
}
