// Package testutils provides small testing helpers shared across this module's test suites: a
// goroutine-leak-free way to bound how long a subtest may run, context constructors tied to a test's
// lifetime, and a real in-process gRPC server for exercising the control-plane subscription variant
// against an actual stream instead of a fake.
package testutils

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
)

// WithTimeout runs f as a subtest named name, failing it if it has not returned within timeout.
func WithTimeout(t *testing.T, name string, timeout time.Duration, f func(t *testing.T)) {
	t.Run(name, func(t *testing.T) {
		t.Helper()
		done := make(chan struct{})
		go func() {
			f(t)
			close(done)
		}()
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			t.Fatalf("%q failed to complete in %s", t.Name(), timeout)
		case <-done:
			return
		}
	})
}

// Context returns a context canceled when tb's test completes.
func Context(tb testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)
	return ctx
}

// ContextWithTimeout returns a context canceled after timeout or when tb's test completes, whichever
// comes first.
func ContextWithTimeout(tb testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	tb.Cleanup(cancel)
	return ctx
}

// ProtoEquals fails the test with a readable diff if expected and actual are not proto.Equal.
func ProtoEquals(t testing.TB, expected, actual proto.Message) {
	t.Helper()
	if !proto.Equal(expected, actual) {
		t.Fatalf(
			"Messages not equal:\nexpected:%s\nactual  :%s\n%s",
			expected, actual,
			cmp.Diff(prototext.Format(expected), prototext.Format(actual)),
		)
	}
}

// TestServer spins up a real gRPC server on a random local port for tests that need to drive the ADS
// protocol end to end (e.g. the RPC subscription variant) rather than through a fake stream.
type TestServer struct {
	t *testing.T
	*grpc.Server
	net.Listener
}

// Start starts the backing gRPC server in a goroutine. Must be invoked after registering services.
func (ts *TestServer) Start() {
	go func() {
		_ = ts.Server.Serve(ts.Listener)
	}()
}

// Dial connects to ts with insecure transport credentials plus any additional opts.
func (ts *TestServer) Dial(opts ...grpc.DialOption) *grpc.ClientConn {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(ts.AddrString(), opts...)
	require.NoError(ts.t, err)
	return conn
}

func (ts *TestServer) AddrString() string {
	return ts.Addr().String()
}

// NewTestGRPCServer starts a TCP listener on a random local port and a *grpc.Server bound to it,
// stopping both when t completes.
//
//	ts := testutils.NewTestGRPCServer(t)
//	discovery.RegisterAggregatedDiscoveryServiceServer(ts.Server, myFakeControlPlane)
//	ts.Start()
//	conn := ts.Dial()
func NewTestGRPCServer(t *testing.T, opts ...grpc.ServerOption) *TestServer {
	ts := &TestServer{
		t:      t,
		Server: grpc.NewServer(opts...),
	}

	var err error
	ts.Listener, err = net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	t.Cleanup(func() {
		ts.Server.Stop()
	})

	return ts
}
