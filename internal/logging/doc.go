// Package logging provides structured logging using uber/zap.
//
// Two output modes:
//   - Production: JSON output for machine parsing
//   - Development: colored console output
//
// The level is atomic: SetLevel applies to the root logger and every
// named child, so the control API and the settings file can change it
// without rebuilding services. Scripts log at trace, which is emitted
// at debug level with a trace field.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Host attached", zap.String("mode", "process"))
//	logger.Error("Extension failed", zap.Error(err))
package logging
