// Package room implements the relay's core: the registry mapping room codes
// to host/peer membership, join authorization, TTL and usage-based expiry,
// and the routing of opaque signaling payloads between room members.
//
// The registry never touches the network. Deliveries go through the Sender
// interface after registry locks are released; the transport layer decides
// how (and whether) an event reaches a connection.
package room
