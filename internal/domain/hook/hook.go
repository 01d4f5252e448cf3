// Package hook multiplexes logical hook registrations onto native
// interception points.
//
// A native hook Engine installs at most one listener per code address.
// The Dispatcher owns that listener and fans every event out to the
// registrations attached at the address, in registration order:
//
//	h, err := d.Attach(addr, owner, hook.Callbacks{
//	    OnEnter: func(ctx context.Context, inv *hook.Invocation) error {
//	        arg0, _ := inv.Arg(0)
//	        return inv.Store("arg0", arg0)
//	    },
//	})
//	...
//	d.Detach(h) // listener released with the last registration
//
// Registrations reference their owner weakly. An owner that is gone when
// an event fires is skipped. Callback errors and panics are logged and
// never reach the intercepted call.
package hook

import (
	"fmt"
	"strings"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/id"
)

// Kind distinguishes boundary hooks from instruction probes
type Kind uint8

const (
	KindBoundary Kind = iota + 1
	KindProbe
)

func (k Kind) String() string {
	switch k {
	case KindBoundary:
		return "boundary"
	case KindProbe:
		return "probe"
	}
	return "unknown"
}

// PointCut identifies which event of a hook is firing
type PointCut uint8

const (
	PointEnter PointCut = iota + 1
	PointLeave
	PointHit
)

func (p PointCut) String() string {
	switch p {
	case PointEnter:
		return "enter"
	case PointLeave:
		return "leave"
	case PointHit:
		return "hit"
	}
	return "unknown"
}

// Handle identifies one logical registration. It is the only capability
// needed to detach.
type Handle struct {
	Kind Kind
	ID   id.HookID
}

func newHandle(k Kind) Handle {
	return Handle{Kind: k, ID: id.NewHookID()}
}

// IsZero reports whether h is the zero handle
func (h Handle) IsZero() bool { return h.ID == "" }

func (h Handle) String() string {
	return h.Kind.String() + ":" + string(h.ID)
}

// ParseHandle parses the String form of a handle
func ParseHandle(s string) (Handle, error) {
	kind, hid, ok := strings.Cut(s, ":")
	if !ok || !id.HasPrefix(hid, id.HookPrefix) {
		return Handle{}, fmt.Errorf("%w: malformed hook handle %q", errs.ErrInvalidArgument, s)
	}
	switch kind {
	case KindBoundary.String():
		return Handle{Kind: KindBoundary, ID: id.HookID(hid)}, nil
	case KindProbe.String():
		return Handle{Kind: KindProbe, ID: id.HookID(hid)}, nil
	}
	return Handle{}, fmt.Errorf("%w: unknown hook kind %q", errs.ErrInvalidArgument, kind)
}
