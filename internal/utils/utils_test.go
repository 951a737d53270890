package utils

import (
	"testing"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"github.com/stretchr/testify/require"
)

func TestGetTypeURL(t *testing.T) {
	require.Equal(t, resource.ClusterType, GetTypeURL[*clusterv3.Cluster]())
}

func TestNonceLength(t *testing.T) {
	require.Len(t, NewNonce(), NonceLength)
	require.NotEqual(t, NewNonce(), NewNonce())
}
