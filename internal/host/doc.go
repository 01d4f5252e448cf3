// Package host owns every hookhost service for the lifetime of one attach.
//
// New builds the services in dependency order:
//
//	config -> logger -> metrics -> memory space -> resolver -> dispatcher
//	       -> singletons -> extension registry -> sandbox manager
//
// Start loads address records, extensions and scripts. Close tears the
// services down in reverse: sandboxes first (finalizers, hooks, patches),
// then extensions, then the dispatcher.
//
// Two memory modes are supported. In process mode the host operates on
// its own address space and the resolver scans the main executable; a
// native hook engine and foreign-call backend must be supplied through
// Options, otherwise interception and callNative are unavailable. In
// emulated mode the host builds an in-memory image served by the
// software engine, which is useful for developing scripts without a
// target.
package host
