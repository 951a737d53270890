package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/mtakigiku/envoy/ads"
	"github.com/mtakigiku/envoy/internal/utils"
)

// Dialer opens a fresh bidirectional ADS stream. Production code supplies one backed by a
// *grpc.ClientConn; tests supply a fake that drives the protocol in-process.
type Dialer func(ctx context.Context) (ads.Client, error)

// RPCSubscription is the control-plane variant of §4.1: a bidirectional request/ack stream keyed by
// version and nonce, reconnecting with backoff on disconnect, NACKing updates whose resources fail to
// decode by echoing the last-accepted version. A decoded update that the consumer later rejects is
// still ACKed: Callbacks.OnConfigUpdate returns no result, so such a rejection never reaches the stream.
type RPCSubscription struct {
	node  *ads.Node
	dial  Dialer
	stats *Stats

	mu            sync.Mutex
	callbacks     Callbacks
	resourceNames []string
	lastVersion   string

	reconnectLimiter limiter
	nackLimiter      limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRPCSubscription returns an RPCSubscription that dials via dial once started. Reconnect attempts
// are capped at 2/s (burst 1) on top of the exponential backoff below, and NACKs at 5/s (burst 5), so
// a control plane that repeatedly sends malformed updates cannot drive this subscription into a dial
// or NACK storm (§4.1 "reconnects with backoff").
func NewRPCSubscription(node *ads.Node, dial Dialer, callbacks Callbacks, stats *Stats) *RPCSubscription {
	return &RPCSubscription{
		node:             node,
		dial:             dial,
		callbacks:        callbacks,
		stats:            stats,
		reconnectLimiter: newRateLimiter(2, 1),
		nackLimiter:      newRateLimiter(5, 5),
	}
}

func (s *RPCSubscription) Start(ctx context.Context, initialResourceNames []string) error {
	s.mu.Lock()
	s.resourceNames = append([]string(nil), initialResourceNames...)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *RPCSubscription) UpdateResources(resourceNames []string) {
	s.mu.Lock()
	s.resourceNames = append([]string(nil), resourceNames...)
	s.mu.Unlock()
}

func (s *RPCSubscription) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *RPCSubscription) run(ctx context.Context) {
	defer s.wg.Done()

	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 0 // retry forever; a broken control-plane stream is never fatal (§7).

	for {
		if ctx.Err() != nil {
			return
		}

		if err := wait(ctx, s.reconnectLimiter); err != nil {
			return
		}

		s.stats.Attempts.Inc()
		stream, err := s.dial(ctx)
		if err != nil {
			s.stats.Failures.Inc()
			s.callbacks.OnConfigUpdateFailed(fmt.Errorf("subscription: dialing ADS stream: %w", err))
			s.sleep(ctx, boff.NextBackOff())
			continue
		}

		if err := s.runStream(ctx, stream); err != nil {
			s.stats.Failures.Inc()
			s.callbacks.OnConfigUpdateFailed(fmt.Errorf("subscription: ADS stream: %w", err))
			s.sleep(ctx, boff.NextBackOff())
			continue
		}

		// runStream only returns nil when ctx was canceled.
		return
	}
}

func (s *RPCSubscription) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *RPCSubscription) runStream(ctx context.Context, stream ads.Client) error {
	if err := s.send(stream, "", "", nil); err != nil {
		return err
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		resources, parseErr := s.decode(resp)
		if parseErr != nil {
			s.stats.Rejections.Inc()
			s.callbacks.OnConfigUpdateFailed(parseErr)
			if err := s.nack(ctx, stream, resp.Nonce, parseErr); err != nil {
				return err
			}
			continue
		}

		s.mu.Lock()
		s.lastVersion = resp.VersionInfo
		s.mu.Unlock()

		s.stats.Successes.Inc()
		s.callbacks.OnConfigUpdate(resources)

		if err := s.send(stream, resp.VersionInfo, resp.Nonce, nil); err != nil {
			return err
		}
	}
}

func (s *RPCSubscription) decode(resp *ads.DiscoveryResponse) ([]*ads.Resource[*ads.Cluster], error) {
	resources := make([]*ads.Resource[*ads.Cluster], 0, len(resp.Resources))
	for _, any := range resp.Resources {
		r, err := ads.UnmarshalClusterResource("", resp.VersionInfo, any)
		if err != nil {
			return nil, fmt.Errorf("decoding CDS resource: %w", err)
		}
		r.Name = r.Resource.GetName()
		resources = append(resources, r)
	}
	return resources, nil
}

func (s *RPCSubscription) nack(ctx context.Context, stream ads.Client, nonce string, cause error) error {
	if err := wait(ctx, s.nackLimiter); err != nil {
		return err
	}

	s.mu.Lock()
	lastVersion := s.lastVersion
	s.mu.Unlock()

	detail := &rpcstatus.Status{Code: 3 /* INVALID_ARGUMENT */, Message: cause.Error()}
	return s.send(stream, lastVersion, nonce, detail)
}

func (s *RPCSubscription) send(stream ads.Client, versionInfo, responseNonce string, errorDetail *rpcstatus.Status) error {
	s.mu.Lock()
	names := append([]string(nil), s.resourceNames...)
	s.mu.Unlock()
	if len(names) == 0 {
		names = []string{ads.WildcardSubscription}
	}

	return stream.Send(&discovery.DiscoveryRequest{
		VersionInfo:   versionInfo,
		Node:          s.node,
		ResourceNames: names,
		TypeUrl:       utils.GetTypeURL[*ads.Cluster](),
		ResponseNonce: responseNonce,
		ErrorDetail:   errorDetail,
	})
}
