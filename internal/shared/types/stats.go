package types

import "time"

// HookInfo describes one logical hook registration
type HookInfo struct {
	Handle  string `json:"handle"`
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Owner   string `json:"owner,omitempty"`
}

// SandboxInfo describes a sandbox for listings
type SandboxInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	Virtual   bool      `json:"virtual"`
	State     string    `json:"state"`
	Hooks     int       `json:"hooks"`
	Patches   int       `json:"patches"`
	Hash      string    `json:"hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ExtensionInfo describes a loaded or failed extension module
type ExtensionInfo struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	Loaded    bool      `json:"loaded"`
	Error     string    `json:"error,omitempty"`
	Functions []string  `json:"functions,omitempty"`
	LoadedAt  time.Time `json:"loaded_at,omitempty"`
}

// AddressInfo describes a resolver record and its cached resolution
type AddressInfo struct {
	Name     string `json:"name"`
	Pattern  string `json:"pattern"`
	Offset   int64  `json:"offset"`
	Resolved bool   `json:"resolved"`
	Address  string `json:"address,omitempty"`
}

// Stats summarizes runtime state
type Stats struct {
	Sandboxes          int `json:"sandboxes"`
	VirtualSandboxes   int `json:"virtual_sandboxes"`
	InterceptionPoints int `json:"interception_points"`
	Registrations      int `json:"registrations"`
	Extensions         int `json:"extensions"`
	FailedExtensions   int `json:"failed_extensions"`
	Functions          int `json:"functions"`
	CachedAddresses    int `json:"cached_addresses"`
	Patches            int `json:"patches"`
}
