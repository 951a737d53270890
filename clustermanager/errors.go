/*
Package clustermanager implements the Cluster Manager primary registry (§4.4) and the CDS consumer
glue (§4.5): the authoritative map from cluster name to runtime Cluster entity, its static bootstrap
construction, its add/update/remove surface, and the thread-local views and connection-pool caches it
publishes to workers.
*/
package clustermanager

import "fmt"

// ErrorKind classifies a clustermanager error per the taxonomy in §7, so callers can decide how to
// react (log and continue vs. abort startup) without string-matching error messages.
type ErrorKind int

const (
	// ConfigSchemaViolation covers bad bootstrap documents: unknown types, name too long, bad
	// characters, duplicate cluster names, a missing local cluster. Fatal at startup; during CDS it
	// rejects the specific update and leaves prior state intact.
	ConfigSchemaViolation ErrorKind = iota
	// SemanticViolation covers an update that parses fine but conflicts with existing state, e.g. a
	// name collision with a static cluster.
	SemanticViolation
	// TransportFailure covers a broken subscription stream or a watched-file I/O error. Non-fatal.
	TransportFailure
	// CallerMisuse covers interfaces that, by contract, require the named cluster to already exist
	// (tcpConnForCluster, httpAsyncClientForCluster) being called with an unknown name.
	CallerMisuse
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigSchemaViolation:
		return "config schema violation"
	case SemanticViolation:
		return "semantic violation"
	case TransportFailure:
		return "transport failure"
	case CallerMisuse:
		return "caller misuse"
	default:
		return "unknown"
	}
}

// Error is the error type every exported clustermanager operation returns, carrying enough structure
// for a caller to branch on Kind without parsing Message.
type Error struct {
	Kind    ErrorKind
	Cluster string
	Message string
}

func (e *Error) Error() string {
	if e.Cluster == "" {
		return fmt.Sprintf("clustermanager: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("clustermanager: %s: cluster %q: %s", e.Kind, e.Cluster, e.Message)
}

func schemaErrorf(format string, args ...any) *Error {
	return &Error{Kind: ConfigSchemaViolation, Message: fmt.Sprintf(format, args...)}
}

func semanticErrorf(cluster, format string, args ...any) *Error {
	return &Error{Kind: SemanticViolation, Cluster: cluster, Message: fmt.Sprintf(format, args...)}
}

// ErrUnknownCluster is returned by TCPConnForCluster and HTTPAsyncClientForCluster when asked for a
// cluster name absent from the caller's thread-local view. Unlike a healthy-host shortage, this is
// signaled distinctly because these two interfaces require the cluster to exist by contract (§7
// "Caller misuse").
func ErrUnknownCluster(name string) error {
	return &Error{Kind: CallerMisuse, Cluster: name, Message: "unknown cluster"}
}
