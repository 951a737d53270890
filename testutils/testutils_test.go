package testutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestProtoEqualsPassesOnEqualMessages(t *testing.T) {
	ProtoEquals(t, wrapperspb.Int64(42), wrapperspb.Int64(42))
}

func TestWithTimeoutRunsFastSubtestToCompletion(t *testing.T) {
	var ran bool
	WithTimeout(t, "fast", time.Second, func(t *testing.T) {
		ran = true
	})
	require.True(t, ran)
}

func TestNewTestGRPCServerAcceptsConnections(t *testing.T) {
	ts := NewTestGRPCServer(t)
	discovery.RegisterAggregatedDiscoveryServiceServer(ts.Server, &discovery.UnimplementedAggregatedDiscoveryServiceServer{})
	ts.Start()

	conn := ts.Dial()
	defer conn.Close()

	client := discovery.NewAggregatedDiscoveryServiceClient(conn)
	stream, err := client.StreamAggregatedResources(Context(t))
	require.NoError(t, err)
	require.NoError(t, stream.Send(&discovery.DiscoveryRequest{}))
}
