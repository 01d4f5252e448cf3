// Command hookhost attaches the host, loads scripts and extensions, and
// serves the local control API until interrupted.
//
// Configuration comes from HOOKHOST_* environment variables; -root and
// -memory override the two most common ones. In emulated mode a frame
// tick drives the built-in image so hooks fire without a target process.
package main
