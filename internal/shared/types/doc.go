// Package types provides shared data structures for hookhost.
//
// Core Types:
//   - Kind: scalar value kinds shared by remote views and foreign calls
//   - HookInfo, SandboxInfo, ExtensionInfo: read-only snapshots for display
//   - Stats: runtime statistics
//
// Snapshots are copies; mutating them never affects live state.
package types
