/*
Package monitoring provides Prometheus metrics for hookhost.

# Overview

Metrics cover the resolver cache, the interception dispatcher, sandbox
lifecycle, extension loading, memory patches and the control API.

# Usage

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	// Add middleware to the control API router
	router.Use(monitoring.Middleware(metrics))

	// Hand it to services
	dispatcher := hook.NewDispatcher(engine, logger).WithMetrics(metrics)

Every recording method is safe on a nil *Metrics.
*/
package monitoring
