// Package server implements the relay: listeners for the control, screen,
// group-chat and group-call channels, the per-connection read and write
// pumps, command routing, and the HTTP surface.
//
// The implementation is organized into specialized files for configuration,
// connection management, routing, one file per command family, and HTTP
// handlers. Shared state lives in the call, groupcall, presence and transfer
// packages; the store package persists history.
package server
