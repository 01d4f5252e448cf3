package hook

import "context"

// CPUContext is the register file of an intercepted thread
type CPUContext interface {
	Register(name string) (uint64, error)
	SetRegister(name string, value uint64) error
	Registers() []string
}

// InvocationContext is the native call context an Engine hands to a
// listener. It is only valid for the duration of the listener call.
type InvocationContext interface {
	// Address is the intercepted code address
	Address() uintptr

	// ThreadID identifies the native thread that triggered the event
	ThreadID() uint64

	Arg(n int) uintptr
	SetArg(n int, value uintptr)
	ReturnValue() uintptr
	SetReturnValue(value uintptr)
	CPU() CPUContext
}

// Listener receives boundary events for one address
type Listener interface {
	OnEnter(ctx context.Context, ic InvocationContext)
	OnLeave(ctx context.Context, ic InvocationContext)
}

// ProbeListener receives instruction probe events for one address
type ProbeListener interface {
	OnHit(ctx context.Context, ic InvocationContext)
}

// Attachment is an installed native listener
type Attachment interface {
	Detach() error
}

// Engine installs native listeners. Implementations may reject a second
// listener on an address that already has one.
//
// Listeners must receive the context of the foreign call that triggered
// them when the event fires on a thread already inside one (a script's
// callNative into a function it hooks). Sandboxes recognize re-entry by
// a value in that context; a fresh context deadlocks on the sandbox's
// execution lock.
type Engine interface {
	Attach(addr uintptr, l Listener) (Attachment, error)
	AttachInstruction(addr uintptr, l ProbeListener) (Attachment, error)
}
