/*
Package ads provides convenient type aliases and a generic resource wrapper around the Aggregated
Discovery Service xDS protocol (ADS), scoped to the state-of-the-world (SotW) variant used by the
Cluster Discovery Service (CDS). The cluster manager core only ever speaks CDS as a client, so this
package intentionally only aliases the SotW client-side types, not the full server/delta surface.
*/
package ads

import (
	"sync"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Alias to xDS types, for convenience and brevity.
type (
	// Node is an alias for the client information included in a DiscoveryRequest [corev3.Node].
	Node = corev3.Node
	// Client is an alias for the SotW ADS client stream type
	// [discovery.AggregatedDiscoveryService_StreamAggregatedResourcesClient].
	Client = discovery.AggregatedDiscoveryService_StreamAggregatedResourcesClient
	// DiscoveryRequest is an alias for [discovery.DiscoveryRequest].
	DiscoveryRequest = discovery.DiscoveryRequest
	// DiscoveryResponse is an alias for [discovery.DiscoveryResponse].
	DiscoveryResponse = discovery.DiscoveryResponse
	// Cluster is an alias for the CDS resource type [clusterv3.Cluster].
	Cluster = clusterv3.Cluster
)

// WildcardSubscription is the resource name that, per the xDS protocol, subscribes to every
// resource of the requested type. The CDS consumer (§4.5) always uses this, since it has no notion
// of per-resource subscriptions: it wants the entire set of clusters the control plane knows about.
const WildcardSubscription = "*"

// NewResource is a convenience constructor for a [*Resource].
func NewResource[T proto.Message](name, version string, t T) *Resource[T] {
	return &Resource[T]{Name: name, Version: version, Resource: t}
}

// Resource pairs a decoded xDS resource with the metadata the wire protocol carries alongside it.
// It is undefined behavior to modify a Resource after creation.
type Resource[T proto.Message] struct {
	Name     string
	Version  string
	Resource T

	marshalOnce sync.Once
	marshaled   *anypb.Any
	marshalErr  error
}

// Marshal returns the [*anypb.Any] encoding of this resource. The result is cached and safe to call
// repeatedly, including from multiple goroutines.
func (r *Resource[T]) Marshal() (*anypb.Any, error) {
	r.marshalOnce.Do(func() {
		r.marshaled, r.marshalErr = anypb.New(r.Resource)
	})
	return r.marshaled, r.marshalErr
}

// UnmarshalClusterResource decodes a single CDS wire resource into a [*Resource][*Cluster].
func UnmarshalClusterResource(name, version string, any *anypb.Any) (*Resource[*Cluster], error) {
	var c Cluster
	if err := any.UnmarshalTo(&c); err != nil {
		return nil, err
	}
	return NewResource(name, version, &c), nil
}
