// Package paths provides the host's filesystem layout.
//
// # Directory Structure
//
//	hookhost/
//	  ├── scripts/       (one sandbox per script file)
//	  ├── extensions/    (extension modules)
//	  ├── config.toml    (persisted settings)
//	  └── records.yaml   (address records)
//
// Configured paths are resolved against the root unless absolute.
//
// # Usage
//
//	layout := paths.New(cfg.Paths.Root)
//	scripts := layout.Resolve(cfg.Paths.Scripts)
package paths
