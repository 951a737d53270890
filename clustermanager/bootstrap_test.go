package clustermanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtakigiku/envoy/internal/upstream"
)

func TestParseBootstrapStaticClustersAndLocalName(t *testing.T) {
	doc := []byte(`
local_cluster_name: cluster_1
clusters:
  - name: cluster_1
    type: STATIC
    lb_type: ROUND_ROBIN
    connect_timeout_ms: 250
    hosts:
      - address: 127.0.0.1:80
        weight: 1
  - name: cluster_2
    type: STRICT_DNS
    dns_resolvers: ["service.internal"]
    health_check:
      type: TCP
      timeout: 1s
      interval: 5s
      unhealthy_threshold: 3
      healthy_threshold: 1
`)

	b, err := ParseBootstrap(doc)
	require.NoError(t, err)
	require.Equal(t, "cluster_1", b.LocalClusterName)
	require.Len(t, b.Clusters, 2)

	require.Equal(t, upstream.Static, b.Clusters[0].Type)
	require.Equal(t, upstream.RoundRobin, b.Clusters[0].LBPolicy)
	require.Equal(t, uint32(250), b.Clusters[0].ConnectTimeoutMS)
	require.Equal(t, "127.0.0.1:80", b.Clusters[0].Hosts[0].Address)

	require.Equal(t, upstream.StrictDNS, b.Clusters[1].Type)
	require.Equal(t, []string{"service.internal"}, b.Clusters[1].DNSResolvers)
	require.NotNil(t, b.Clusters[1].HealthCheck)
	require.Equal(t, upstream.TCPHealthCheck, b.Clusters[1].HealthCheck.Type)
	require.Equal(t, uint32(3), b.Clusters[1].HealthCheck.UnhealthyThreshold)
}

func TestParseBootstrapCDSAndSDSConfig(t *testing.T) {
	doc := []byte(`
cds_config:
  path: /etc/envoy/cds.json
  refresh_delay: 30s
sds_config:
  cluster: sds_cluster
  refresh_delay: 15s
outlier_detection:
  event_log_path: /var/log/envoy/outlier.log
`)

	b, err := ParseBootstrap(doc)
	require.NoError(t, err)

	require.NotNil(t, b.CDS)
	require.Equal(t, "/etc/envoy/cds.json", b.CDS.Path)
	require.Equal(t, 30*time.Second, b.CDS.RefreshDelay)

	require.NotNil(t, b.SDS)
	require.Equal(t, "sds_cluster", b.SDS.ClusterName)
	require.Equal(t, 15*time.Second, b.SDS.RefreshDelay)

	require.NotNil(t, b.OutlierDetection)
	require.Equal(t, "/var/log/envoy/outlier.log", b.OutlierDetection.EventLogPath)
}

func TestParseBootstrapRejectsUnknownDiscoveryType(t *testing.T) {
	doc := []byte(`
clusters:
  - name: cluster_1
    type: NOT_A_REAL_TYPE
`)
	_, err := ParseBootstrap(doc)
	require.Error(t, err)

	var cmErr *Error
	require.ErrorAs(t, err, &cmErr)
	require.Equal(t, ConfigSchemaViolation, cmErr.Kind)
}

func TestParseBootstrapRejectsUnknownLBType(t *testing.T) {
	doc := []byte(`
clusters:
  - name: cluster_1
    lb_type: NOT_A_REAL_POLICY
`)
	_, err := ParseBootstrap(doc)
	require.Error(t, err)
}

func TestParseBootstrapRejectsUnknownHealthCheckType(t *testing.T) {
	doc := []byte(`
clusters:
  - name: cluster_1
    health_check:
      type: NOT_A_REAL_CHECK
`)
	_, err := ParseBootstrap(doc)
	require.Error(t, err)
}

func TestParseBootstrapRejectsMalformedRefreshDelay(t *testing.T) {
	doc := []byte(`
cds_config:
  path: /etc/envoy/cds.json
  refresh_delay: not-a-duration
`)
	_, err := ParseBootstrap(doc)
	require.Error(t, err)
}

func TestParseBootstrapRejectsMalformedYAML(t *testing.T) {
	_, err := ParseBootstrap([]byte("not: valid: yaml: at: all:"))
	require.Error(t, err)
}

func TestLoadBootstrapMissingFile(t *testing.T) {
	_, err := LoadBootstrap("/nonexistent/path/to/bootstrap.yaml")
	require.Error(t, err)

	var cmErr *Error
	require.ErrorAs(t, err, &cmErr)
	require.Equal(t, ConfigSchemaViolation, cmErr.Kind)
}

func TestParseBootstrapDefaultsTypeAndLBPolicy(t *testing.T) {
	doc := []byte(`
clusters:
  - name: cluster_1
    hosts:
      - address: 127.0.0.1:80
`)
	b, err := ParseBootstrap(doc)
	require.NoError(t, err)
	require.Equal(t, upstream.Static, b.Clusters[0].Type)
	require.Equal(t, upstream.RoundRobin, b.Clusters[0].LBPolicy)
}
