package upstream

import (
	"crypto/tls"
	"fmt"
)

// TLSContextConfig is the declarative upstream TLS configuration carried on a Definition (§3, §6).
// The actual handshake/cipher-suite machinery is an external collaborator (§1 Non-goals: "no
// re-specification of TLS"); this module only needs enough of the shape to allocate a context and
// bind it to a cluster's lifetime.
type TLSContextConfig struct {
	SNI                string
	InsecureSkipVerify bool
}

// TLSContextManager allocates a *tls.Config from a declarative TLSContextConfig (§6: "allocate a TLS
// context from a declarative config; lifetime bound to owning cluster"). It is shared and internally
// thread-safe (§5 "Shared-resource policy").
type TLSContextManager interface {
	CreateContext(cfg TLSContextConfig) (*tls.Config, error)
}

// StandardTLSContextManager builds a *tls.Config directly from crypto/tls, with no certificate-store
// integration beyond what the declarative config names. A production deployment would source
// certificates from SDS; that wiring lives outside this module's scope.
type StandardTLSContextManager struct{}

func (StandardTLSContextManager) CreateContext(cfg TLSContextConfig) (*tls.Config, error) {
	if cfg.SNI == "" && !cfg.InsecureSkipVerify {
		return nil, fmt.Errorf("upstream: TLS context requires either an SNI or InsecureSkipVerify")
	}
	return &tls.Config{
		ServerName:         cfg.SNI,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, nil
}
