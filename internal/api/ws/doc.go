// Package ws implements the live console socket.
//
// Server to client:
//   - system: greeting on connect
//   - log: one log entry from the host (script output included)
//   - result, invoked, stats, pong, error: replies to client requests
//
// Client to server:
//   - run {name, source}: create a virtual sandbox from inline source
//   - invoke {event}: broadcast an event to every sandbox
//   - stats, ping
package ws
