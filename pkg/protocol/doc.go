// Package protocol defines the messages exchanged between EnSync clients and
// nodes. The same JSON-tagged structs are carried by the gRPC service (JSON
// codec) and inside WebSocket envelopes.
package protocol
