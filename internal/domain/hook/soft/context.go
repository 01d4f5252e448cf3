package soft

import (
	"fmt"
	"sort"

	"github.com/GriffinCanCode/hookhost/internal/domain/hook"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// Win64 integer argument registers, in order
var argRegisters = []string{"rcx", "rdx", "r8", "r9"}

var registerNames = []string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
}

type cpu struct {
	regs map[string]uint64
}

func (c *cpu) Register(name string) (uint64, error) {
	v, ok := c.regs[name]
	if !ok {
		return 0, fmt.Errorf("register %s: %w", name, errs.ErrNotFound)
	}
	return v, nil
}

func (c *cpu) SetRegister(name string, value uint64) error {
	if _, ok := c.regs[name]; !ok {
		return fmt.Errorf("register %s: %w", name, errs.ErrNotFound)
	}
	c.regs[name] = value
	return nil
}

func (c *cpu) Registers() []string {
	names := make([]string, 0, len(c.regs))
	for name := range c.regs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type invocationContext struct {
	addr uintptr
	tid  uint64
	args []uintptr
	cpu  *cpu
}

func newInvocationContext(addr uintptr, tid uint64, args []uintptr) *invocationContext {
	ic := &invocationContext{
		addr: addr,
		tid:  tid,
		args: append(make([]uintptr, 0, max(len(args), len(argRegisters))), args...),
		cpu:  &cpu{regs: make(map[string]uint64, len(registerNames))},
	}
	for _, name := range registerNames {
		ic.cpu.regs[name] = 0
	}
	ic.cpu.regs["rip"] = uint64(addr)
	for i, name := range argRegisters {
		if i < len(args) {
			ic.cpu.regs[name] = uint64(args[i])
		}
	}
	return ic
}

// at returns a view of the same call reporting a probe address
func (ic *invocationContext) at(addr uintptr) *probeContext {
	return &probeContext{invocationContext: ic, addr: addr}
}

// syncArgsFromRegisters lets probe register writes reach the body
func (ic *invocationContext) syncArgsFromRegisters() {
	for i, name := range argRegisters {
		if i < len(ic.args) {
			ic.args[i] = uintptr(ic.cpu.regs[name])
		}
	}
}

func (ic *invocationContext) Address() uintptr { return ic.addr }
func (ic *invocationContext) ThreadID() uint64 { return ic.tid }

func (ic *invocationContext) Arg(n int) uintptr {
	if n < 0 || n >= len(ic.args) {
		return 0
	}
	return ic.args[n]
}

func (ic *invocationContext) SetArg(n int, value uintptr) {
	if n < 0 || n >= hook.MaxArgs {
		return
	}
	for len(ic.args) <= n {
		ic.args = append(ic.args, 0)
	}
	ic.args[n] = value
	if n < len(argRegisters) {
		ic.cpu.regs[argRegisters[n]] = uint64(value)
	}
}

func (ic *invocationContext) ReturnValue() uintptr { return uintptr(ic.cpu.regs["rax"]) }

func (ic *invocationContext) SetReturnValue(value uintptr) { ic.cpu.regs["rax"] = uint64(value) }

func (ic *invocationContext) CPU() hook.CPUContext { return ic.cpu }

type probeContext struct {
	*invocationContext
	addr uintptr
}

func (p *probeContext) Address() uintptr { return p.addr }
