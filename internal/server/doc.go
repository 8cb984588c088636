// Package server is the websocket and HTTP transport of the relay.
//
// A handshake authenticates the caller before the upgrade; the hub then binds
// the socket to a relay connection and runs its read and write pumps. Frames
// read from the socket are dispatched to relay operations; relay events are
// encoded with the negotiated codec and written back. The REST surface
// (presence snapshot, history, delete) shares the same authenticator.
package server
