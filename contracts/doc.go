// Package contracts provides the message types exchanged on the inbound fabric.
//
// Every message travels inside an Envelope: a JSON document carrying the
// message id, type name, creation time, correlation id, reply address and the
// JSON encoded body. The bridge consumes one request shape and produces one
// reply shape:
//   - Translation2D: a two coordinate request
//   - Translation1D: a single coordinate reply with an optional Timestamp
//
// A Translation1D without a timestamp is the sentinel reply the bridge sends
// when the downstream service could not be reached.
package contracts
