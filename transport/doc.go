// Package transport defines the boundary between the protocol engine and the
// low-level fabric: per-lane interface capabilities and attributes, memory
// domains with registration and remote-key packing, and the non-blocking
// zero-copy and active-message primitives the rendezvous protocols drive.
//
// Implementations must never block. A primitive that cannot accept more work
// returns ErrWouldBlock and leaves no side effects; the caller retries on a
// later scheduling opportunity.
package transport
