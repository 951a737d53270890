package clustermanager

import (
	"errors"
	"testing"
	"time"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpointv3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	"github.com/stretchr/testify/require"
	durationpb "google.golang.org/protobuf/types/known/durationpb"
	wrapperspb "google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mtakigiku/envoy/ads"
	"github.com/mtakigiku/envoy/internal/upstream"
	"github.com/mtakigiku/envoy/internal/utils"
)

func socketAddress(addr string, port uint32) *corev3.Address {
	return &corev3.Address{Address: &corev3.Address_SocketAddress{
		SocketAddress: &corev3.SocketAddress{
			Address:       addr,
			PortSpecifier: &corev3.SocketAddress_PortValue{PortValue: port},
		},
	}}
}

func staticClusterProto(name, addr string, port uint32) *clusterv3.Cluster {
	return &clusterv3.Cluster{
		Name:                 name,
		ClusterDiscoveryType: &clusterv3.Cluster_Type{Type: clusterv3.Cluster_STATIC},
		LbPolicy:             clusterv3.Cluster_ROUND_ROBIN,
		ConnectTimeout:       durationpb.New(time.Second),
		LoadAssignment: &endpointv3.ClusterLoadAssignment{
			Endpoints: []*endpointv3.LocalityLbEndpoints{{
				LbEndpoints: []*endpointv3.LbEndpoint{{
					HostIdentifier: &endpointv3.LbEndpoint_Endpoint{Endpoint: &endpointv3.Endpoint{
						Address: socketAddress(addr, port),
					}},
					LoadBalancingWeight: wrapperspb.UInt32(1),
				}},
			}},
		},
	}
}

func TestClusterProtoToDefinitionStatic(t *testing.T) {
	def, err := clusterProtoToDefinition(staticClusterProto("c1", "127.0.0.1", 8080))
	require.NoError(t, err)
	require.Equal(t, "c1", def.Name)
	require.Equal(t, upstream.Static, def.Type)
	require.Len(t, def.Hosts, 1)
	require.Equal(t, "127.0.0.1:8080", def.Hosts[0].Address)
	require.Equal(t, uint32(1000), def.ConnectTimeoutMS)
}

func TestCDSConsumerOnConfigUpdateAddsAndRemoves(t *testing.T) {
	m, err := NewManager(Bootstrap{}, upstream.NewClusterFactory())
	require.NoError(t, err)

	c := &cdsConsumer{manager: m, apiAdded: utils.NewSet[string]()}

	c.onConfigUpdate([]*ads.Resource[*ads.Cluster]{
		ads.NewResource("c1", "v1", staticClusterProto("c1", "127.0.0.1", 80)),
	})
	require.Equal(t, 1, m.TotalClusters())

	c.onConfigUpdate([]*ads.Resource[*ads.Cluster]{})
	require.Equal(t, 0, m.TotalClusters())
}

func TestCDSConsumerFiresDoneCallbackOnceEvenOnFailure(t *testing.T) {
	c := &cdsConsumer{apiAdded: utils.NewSet[string]()}

	var fired int
	c.doneCb = func() { fired++ }

	c.onConfigUpdateFailed(errors.New("control plane unreachable"))
	c.onConfigUpdateFailed(errors.New("control plane unreachable again"))

	require.Equal(t, 1, fired, "the CDS initialized callback fires exactly once even across repeated failures")
}
