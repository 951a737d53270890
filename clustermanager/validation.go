package clustermanager

import (
	"regexp"

	"github.com/mtakigiku/envoy/internal/upstream"
)

// clusterNamePattern bounds the character set and length a cluster name may use (§3 "unique name
// (bounded length, restricted character set)"). Chosen to match the conservative subset most
// stats/metrics sinks accept for a dotted metric-name segment.
var clusterNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{1,128}$`)

// validateBootstrap enforces the construction-time rules in §4.4: cluster names are well-formed and
// pairwise unique, and if a local cluster name is set, a static cluster by that name exists.
func validateBootstrap(b Bootstrap) error {
	seen := make(map[string]bool, len(b.Clusters))
	for _, def := range b.Clusters {
		if !clusterNamePattern.MatchString(def.Name) {
			return schemaErrorf("cluster name %q is empty, too long, or uses a disallowed character", def.Name)
		}
		if seen[def.Name] {
			return schemaErrorf("duplicate cluster name %q", def.Name)
		}
		seen[def.Name] = true
	}

	if b.LocalClusterName != "" && !seen[b.LocalClusterName] {
		return schemaErrorf("local_cluster_name %q does not match any static cluster", b.LocalClusterName)
	}
	if b.CDS != nil && b.CDS.ClusterName != "" && !seen[b.CDS.ClusterName] {
		return schemaErrorf("cds_config.cluster %q does not match any static cluster", b.CDS.ClusterName)
	}
	if b.SDS != nil && b.SDS.ClusterName != "" && !seen[b.SDS.ClusterName] {
		return schemaErrorf("sds_config.cluster %q does not match any static cluster", b.SDS.ClusterName)
	}

	return nil
}

// ValidateBootstrap runs the construction-time validation rules against b and builds every cluster
// through a ValidationFactory, without opening a socket, issuing a DNS query, or spawning a worker
// (§4.3 "Validation Factory"). It is the entry point the `--mode validate` CLI surface calls (§6).
func ValidateBootstrap(b Bootstrap) error {
	if err := validateBootstrap(b); err != nil {
		return err
	}

	factory := upstream.ValidationFactory{}
	for _, def := range b.Clusters {
		if _, err := factory.Build(def, primaryPhase(b, def.Name), false); err != nil {
			return semanticErrorf(def.Name, "%v", err)
		}
	}
	return nil
}
