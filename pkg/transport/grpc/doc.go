// Package grpctransport carries the EnSync protocol over gRPC. Messages are
// the JSON structs from package protocol sent through a registered "json"
// codec, so the service is described by a hand-written ServiceDesc rather than
// protoc output. The same descriptor is used by the client Transport and by
// the node's server registration.
package grpctransport
