// Package proto is the protocol selection and execution engine.
//
// Every registered Protocol is initialised once per selection key
// (operation, datatype, memory type and endpoint/remote-key configuration).
// Initialisation runs the lane finder and the performance model and produces
// an immutable private configuration together with a table of performance
// ranges. Selection merges those tables into size thresholds, and the chosen
// protocol's progress routine is then driven until the request completes.
//
// The single-lane, multi-lane and remote-op builders in this package are the
// building blocks protocol packages compose: a remote-op protocol sends a
// header and leaves the bulk transfer to whatever the peer selects, which
// is how the rendezvous handshake chains RTS, RTR, GET and PUT.
package proto
