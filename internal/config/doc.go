// Package config provides 12-factor configuration for hookhost.
//
// Configuration is loaded from HOOKHOST_* environment variables with
// defaults in struct tags, then validated. Settings that scripts and the
// control API change at runtime (disabled scripts, log level) live in a
// separate TOML settings file that is rewritten on every change.
//
// Configuration Sections:
//   - Paths: script, extension, settings and records locations
//   - Memory: live process or emulated address space
//   - Sandbox: script extension, load timeout, call stack depth
//   - Extensions: module loading
//   - Logging: level and output format
//   - Server: local control API
//   - RateLimit: control API throttling
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	store, err := config.OpenSettings(cfg.Layout().Resolve(cfg.Paths.Settings))
//
// Environment Variables:
//   - HOOKHOST_PATHS_ROOT, HOOKHOST_PATHS_SCRIPTS, HOOKHOST_PATHS_EXTENSIONS, HOOKHOST_PATHS_SETTINGS, HOOKHOST_PATHS_RECORDS
//   - HOOKHOST_MEMORY_MODE
//   - HOOKHOST_SANDBOX_LOAD_TIMEOUT, HOOKHOST_SANDBOX_MAX_CALL_STACK
//   - HOOKHOST_LOG_LEVEL, HOOKHOST_LOG_DEV
//   - HOOKHOST_SERVER_ENABLED, HOOKHOST_SERVER_ADDR
//   - HOOKHOST_RATE_LIMIT_RPS, HOOKHOST_RATE_LIMIT_BURST
package config
