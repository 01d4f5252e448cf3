// Package middleware provides the gin middleware in front of the control
// API: loopback CORS, per-client and global rate limiting, and request
// tracing.
package middleware
