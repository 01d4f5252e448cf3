// Package http implements the control API handlers.
//
// Every handler reads or drives the host's services. Domain errors map
// onto status codes through StatusFor: not found is 404, invalid input 400,
// conflicts 409, permission failures 403, anything else 500.
package http
