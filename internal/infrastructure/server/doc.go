// Package server wires the control API router.
//
// Middleware order: recovery, request tracing, metrics, CORS, then the
// optional per-client rate limit. The server binds a loopback address by
// default and drains in-flight requests on shutdown.
//
// Example Usage:
//
//	srv := server.NewServer(h)
//	if err := srv.Run(ctx); err != nil {
//	    logger.Fatal("control API failed", zap.Error(err))
//	}
package server
