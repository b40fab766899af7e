// Package rndv implements the rendezvous protocols large tagged messages use.
//
// A send starts with rndv/rts: the sender registers its buffer and sends a
// request-to-send carrying the buffer address and remote key. The receiver
// matches it against a posted receive and selects a receive protocol for the
// remaining handshake:
//
//   - rndv/get/zcopy reads the data with one-sided gets striped over several
//     lanes and acknowledges with ATS;
//   - rndv/rtr answers with a ready-to-receive exposing the receive buffer,
//     on which the sender selects rndv/put/zcopy, writes the data and
//     acknowledges with ATP.
//
// Importing the package registers the protocols with proto.Default and the
// handlers of the RTS, RTR, ATS and ATP messages.
package rndv
