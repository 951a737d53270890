package clustermanager

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mtakigiku/envoy/internal/upstream"
)

// CDSConfig names the subscription backing a live cluster feed (§6 bootstrap field "cds_config").
type CDSConfig struct {
	ClusterName  string
	RefreshDelay time.Duration
	Path         string // set instead of ClusterName for the filesystem subscription variant.
}

// SDSConfig names the subscription backing endpoint assignments (§6 "sds_config"). Carried through
// the bootstrap document for completeness; the EDS wiring it feeds is outside this module's scope
// (§1 Non-goals).
type SDSConfig struct {
	ClusterName  string
	RefreshDelay time.Duration
}

// OutlierDetectionConfig is the bootstrap-level outlier-detection setting (§4.4 "outlier-event-log
// path").
type OutlierDetectionConfig struct {
	EventLogPath string
}

// Bootstrap is the fully-decoded construction-time configuration (§6 "Bootstrap configuration").
type Bootstrap struct {
	Clusters         []upstream.Definition
	LocalClusterName string
	CDS              *CDSConfig
	SDS              *SDSConfig
	OutlierDetection *OutlierDetectionConfig
}

// bootstrapDocument mirrors the on-disk YAML shape. Kept separate from Bootstrap so that the wire
// document's field names (chosen to read naturally in a YAML file) never leak into the rest of the
// package's Go-idiomatic field names.
type bootstrapDocument struct {
	Clusters         []clusterDocument       `yaml:"clusters"`
	LocalClusterName string                  `yaml:"local_cluster_name"`
	CDSConfig        *cdsConfigDocument      `yaml:"cds_config"`
	SDSConfig        *sdsConfigDocument      `yaml:"sds_config"`
	OutlierDetection *outlierDetectionDocument `yaml:"outlier_detection"`
}

type cdsConfigDocument struct {
	Cluster      string `yaml:"cluster"`
	Path         string `yaml:"path"`
	RefreshDelay string `yaml:"refresh_delay"`
}

type sdsConfigDocument struct {
	Cluster      string `yaml:"cluster"`
	RefreshDelay string `yaml:"refresh_delay"`
}

type outlierDetectionDocument struct {
	EventLogPath string `yaml:"event_log_path"`
}

type hostDocument struct {
	Address string `yaml:"address"`
	Weight  uint32 `yaml:"weight"`
}

type healthCheckDocument struct {
	Type               string `yaml:"type"`
	Timeout            string `yaml:"timeout"`
	Interval           string `yaml:"interval"`
	UnhealthyThreshold uint32 `yaml:"unhealthy_threshold"`
	HealthyThreshold   uint32 `yaml:"healthy_threshold"`
}

type clusterDocument struct {
	Name                         string               `yaml:"name"`
	Type                         string               `yaml:"type"`
	LBPolicy                     string               `yaml:"lb_type"`
	ConnectTimeoutMS             uint32               `yaml:"connect_timeout_ms"`
	PerConnectionBufferLimitByte uint32               `yaml:"per_connection_buffer_limit_bytes"`
	Hosts                        []hostDocument       `yaml:"hosts"`
	DNSResolvers                 []string             `yaml:"dns_resolvers"`
	HealthCheck                  *healthCheckDocument `yaml:"health_check"`
}

// LoadBootstrap reads and decodes the bootstrap document at path (§6 "--bootstrap-path").
func LoadBootstrap(path string) (Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bootstrap{}, schemaErrorf("reading bootstrap file %s: %v", path, err)
	}
	return ParseBootstrap(data)
}

// ParseBootstrap decodes a YAML bootstrap document from data.
func ParseBootstrap(data []byte) (Bootstrap, error) {
	var doc bootstrapDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Bootstrap{}, schemaErrorf("parsing bootstrap document: %v", err)
	}

	b := Bootstrap{LocalClusterName: doc.LocalClusterName}

	for _, cd := range doc.Clusters {
		def, err := decodeClusterDocument(cd)
		if err != nil {
			return Bootstrap{}, err
		}
		b.Clusters = append(b.Clusters, def)
	}

	if doc.CDSConfig != nil {
		delay, err := parseDuration(doc.CDSConfig.RefreshDelay)
		if err != nil {
			return Bootstrap{}, schemaErrorf("cds_config.refresh_delay: %v", err)
		}
		b.CDS = &CDSConfig{ClusterName: doc.CDSConfig.Cluster, Path: doc.CDSConfig.Path, RefreshDelay: delay}
	}
	if doc.SDSConfig != nil {
		delay, err := parseDuration(doc.SDSConfig.RefreshDelay)
		if err != nil {
			return Bootstrap{}, schemaErrorf("sds_config.refresh_delay: %v", err)
		}
		b.SDS = &SDSConfig{ClusterName: doc.SDSConfig.Cluster, RefreshDelay: delay}
	}
	if doc.OutlierDetection != nil {
		b.OutlierDetection = &OutlierDetectionConfig{EventLogPath: doc.OutlierDetection.EventLogPath}
	}

	return b, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func decodeClusterDocument(cd clusterDocument) (upstream.Definition, error) {
	discoveryType, err := parseDiscoveryType(cd.Type)
	if err != nil {
		return upstream.Definition{}, schemaErrorf("cluster %q: %v", cd.Name, err)
	}
	lbPolicy, err := parseLBType(cd.LBPolicy)
	if err != nil {
		return upstream.Definition{}, schemaErrorf("cluster %q: %v", cd.Name, err)
	}

	def := upstream.Definition{
		Name:                         cd.Name,
		Type:                         discoveryType,
		LBPolicy:                     lbPolicy,
		ConnectTimeoutMS:             cd.ConnectTimeoutMS,
		PerConnectionBufferLimitByte: cd.PerConnectionBufferLimitByte,
		DNSResolvers:                 cd.DNSResolvers,
	}
	for _, h := range cd.Hosts {
		def.Hosts = append(def.Hosts, upstream.StaticHost{Address: h.Address, Weight: h.Weight})
	}
	if cd.HealthCheck != nil {
		hcType, err := parseHealthCheckType(cd.HealthCheck.Type)
		if err != nil {
			return upstream.Definition{}, schemaErrorf("cluster %q: %v", cd.Name, err)
		}
		def.HealthCheck = &upstream.HealthCheck{
			Type:               hcType,
			Timeout:            cd.HealthCheck.Timeout,
			Interval:           cd.HealthCheck.Interval,
			UnhealthyThreshold: cd.HealthCheck.UnhealthyThreshold,
			HealthyThreshold:   cd.HealthCheck.HealthyThreshold,
		}
	}
	return def, nil
}

func parseDiscoveryType(s string) (upstream.DiscoveryType, error) {
	switch s {
	case "", "STATIC":
		return upstream.Static, nil
	case "STRICT_DNS":
		return upstream.StrictDNS, nil
	case "LOGICAL_DNS":
		return upstream.LogicalDNS, nil
	case "ORIGINAL_DST":
		return upstream.OriginalDst, nil
	case "EDS":
		return upstream.EDS, nil
	default:
		return 0, fmt.Errorf("unknown discovery type %q", s)
	}
}

func parseLBType(s string) (upstream.LBType, error) {
	switch s {
	case "", "ROUND_ROBIN":
		return upstream.RoundRobin, nil
	case "LEAST_REQUEST":
		return upstream.LeastRequest, nil
	case "RING_HASH":
		return upstream.RingHash, nil
	case "RANDOM":
		return upstream.Random, nil
	default:
		return 0, fmt.Errorf("unknown load balancer type %q", s)
	}
}

func parseHealthCheckType(s string) (upstream.HealthCheckType, error) {
	switch s {
	case "", "HTTP":
		return upstream.HTTPHealthCheck, nil
	case "TCP":
		return upstream.TCPHealthCheck, nil
	case "GRPC":
		return upstream.GRPCHealthCheck, nil
	default:
		return 0, fmt.Errorf("unknown health check type %q", s)
	}
}
