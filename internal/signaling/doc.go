// Package signaling contains the WebSocket surface through which clients
// create and join rooms and exchange opaque peer-to-peer setup payloads.
//
// The server never inspects signal payloads; it only routes them between
// room members.
package signaling
