/*
Package sandbox hosts isolated JavaScript sandboxes (goja) that script the
host process through hookhost's services.

# Lifecycle

A sandbox moves Created → Active → Destroying → Gone. Bindings are
installed before the sandbox becomes visible; a binding failure aborts
creation. File-backed sandboxes are registered before their script runs,
so a script that fails half-way still has its hooks and patches released
on reload. Destruction always runs, in order:

 1. the sandbox's onDestroy finalizer
 2. detach of every hook the sandbox attached
 3. restore of every patch the sandbox applied
 4. the extension registry's destroyed notification

# Concurrency

Each sandbox has its own execution lock; the goja runtime is only touched
while it is held. The manager lock is never held while a script runs, so
a script may list or inspect sandboxes from inside a hook callback. A
context marker lets a sandbox re-enter itself, e.g. when a script calls a
native function whose hook is owned by the same sandbox.

# Weak references

Sandboxes live in a generational arena. Hook registrations hold an Owner
carrying only the arena key; once the sandbox is removed the key no longer
resolves and the dispatcher skips the registration.
*/
package sandbox
