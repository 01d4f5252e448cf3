// Package extension loads third-party modules that contribute native
// capabilities to hookhost.
//
// Every module receives the same versioned capability table (API) through
// its entry point. Function contributions land in one global name table
// shared by all extensions. Contributions made during an entry call are
// staged and only committed when the entry returns 0; a failing module
// leaves no trace in the tables and does not stop the directory scan.
//
// Two loaders exist: WasmLoader runs .wasm modules in a wazero runtime and
// exposes the table as the "hookhost_v1" host module; Install runs an
// in-process EntryFunc for built-ins such as the foreign-call bridge.
package extension

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// ABIVersion is passed to every entry point
const ABIVersion = 1

// EntrySymbol is the export every wasm extension must provide:
// ext_initialize(abi_version i32) -> i32
const EntrySymbol = "ext_initialize"

// Function is a native capability in the shared function table
type Function interface {
	Call(ctx context.Context, args ...uint64) ([]uint64, error)
}

// FunctionFunc adapts a Go function to Function
type FunctionFunc func(ctx context.Context, args ...uint64) ([]uint64, error)

// Call implements Function
func (f FunctionFunc) Call(ctx context.Context, args ...uint64) ([]uint64, error) {
	return f(ctx, args...)
}

// LifecycleFunc is notified with the state token of a sandbox
type LifecycleFunc func(ctx context.Context, state uint64)

// LogLevel is the level argument of the log capability
type LogLevel int32

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
)

// API is the capability table handed to an entry point
type API struct {
	Version uint32

	AddFunction         func(name string, fn Function)
	GetFunction         func(name string) (Function, bool)
	GetSingleton        func(name string) (uintptr, bool)
	GetOrResolveAddress func(name, pattern string, offset int64) (uintptr, error)
	Log                 func(level LogLevel, msg string)
	OnSandboxCreated    func(cb LifecycleFunc)
	OnSandboxDestroyed  func(cb LifecycleFunc)
}

// EntryFunc is the entry point of an in-process extension
type EntryFunc func(ctx context.Context, api *API) int32

// Module is a loaded extension module
type Module interface {
	Close(ctx context.Context) error
}

// Loader loads extension modules of one file type
type Loader interface {
	// Ext is the module file extension, including the dot
	Ext() string

	// Load instantiates the module at path and runs its entry point.
	// A non-nil Module is returned whenever instantiation succeeded, even
	// if the entry reported a non-zero status.
	Load(ctx context.Context, name, path string, api *API) (Module, int32, error)
}

// InitError reports a non-zero entry status
type InitError struct {
	Code int32
}

func (e *InitError) Error() string {
	return fmt.Sprintf("entry returned status %d", e.Code)
}

func (e *InitError) Unwrap() error { return errs.ErrNativeFailure }

type nopModule struct{}

func (nopModule) Close(context.Context) error { return nil }
