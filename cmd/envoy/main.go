// Command envoy starts the Cluster Manager standalone: it loads a bootstrap document, builds every
// static cluster, starts the optional CDS subscription, and serves until signaled to stop. Run with
// --mode validate to check a bootstrap document without starting anything (§6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mtakigiku/envoy/ads"
	"github.com/mtakigiku/envoy/clustermanager"
	"github.com/mtakigiku/envoy/internal/dispatcher"
	"github.com/mtakigiku/envoy/internal/subscription"
	"github.com/mtakigiku/envoy/internal/upstream"
)

type cliFlags struct {
	baseID                uint64
	concurrency           int
	configPath            string
	bootstrapPath         string
	adminAddressPath      string
	localAddressIPVersion string
	logLevel              string
	restartEpoch          int
	hotRestartVersion     bool
	serviceCluster        string
	serviceNode           string
	serviceZone           string
	fileFlushIntervalMsec int
	drainTimeS            int
	parentShutdownTimeS   int
	mode                  string
}

func parseFlags(args []string) (cliFlags, error) {
	fs := pflag.NewFlagSet("envoy", pflag.ContinueOnError)
	var f cliFlags

	fs.Uint64Var(&f.baseID, "base-id", 0, "base ID for shared memory regions used for hot restart")
	fs.IntVar(&f.concurrency, "concurrency", 1, "number of worker threads to run")
	fs.StringVar(&f.configPath, "config-path", "", "deprecated alias for --bootstrap-path")
	fs.StringVar(&f.bootstrapPath, "bootstrap-path", "", "path to the YAML bootstrap configuration")
	fs.StringVar(&f.adminAddressPath, "admin-address-path", "", "path to write the admin listener's resolved address")
	fs.StringVar(&f.localAddressIPVersion, "local-address-ip-version", "v4", "IP version (v4 or v6) to prefer when binding local addresses")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.IntVar(&f.restartEpoch, "restart-epoch", 0, "hot restart epoch number")
	fs.BoolVar(&f.hotRestartVersion, "hot-restart-version", false, "print the hot restart protocol version and exit")
	fs.StringVar(&f.serviceCluster, "service-cluster", "", "the cluster name of this proxy, for the node identity sent upstream")
	fs.StringVar(&f.serviceNode, "service-node", "", "the node name of this proxy")
	fs.StringVar(&f.serviceZone, "service-zone", "", "the zone of this proxy")
	fs.IntVar(&f.fileFlushIntervalMsec, "file-flush-interval-msec", 1000, "interval between access log flushes")
	fs.IntVar(&f.drainTimeS, "drain-time-s", 600, "seconds to wait for connections to drain before shutdown")
	fs.IntVar(&f.parentShutdownTimeS, "parent-shutdown-time-s", 900, "seconds before a hot-restart parent is killed")
	fs.StringVar(&f.mode, "mode", "serve", "serve or validate")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if f.bootstrapPath == "" {
		f.bootstrapPath = f.configPath
	}
	return f, nil
}

func configureLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if flags.hotRestartVersion {
		fmt.Println("hot restart version 1 (not implemented: no shared memory domain)")
		return 0
	}

	configureLogging(flags.logLevel)

	if flags.bootstrapPath == "" {
		slog.Error("--bootstrap-path (or --config-path) is required")
		return 1
	}

	bootstrap, err := clustermanager.LoadBootstrap(flags.bootstrapPath)
	if err != nil {
		slog.Error("failed to load bootstrap configuration", "error", err)
		return 1
	}

	if flags.mode == "validate" {
		if err := clustermanager.ValidateBootstrap(bootstrap); err != nil {
			slog.Error("bootstrap configuration is invalid", "error", err)
			return 1
		}
		fmt.Println("configuration check succeeded")
		return 0
	}

	node := &corev3.Node{
		Id:      flags.serviceNode,
		Cluster: flags.serviceCluster,
		Locality: &corev3.Locality{
			Zone: flags.serviceZone,
		},
	}

	opts := []clustermanager.Option{}
	if bootstrap.CDS != nil && bootstrap.CDS.ClusterName != "" {
		opts = append(opts, clustermanager.WithCDSDialer(dialerForCDSCluster(bootstrap), node))
	}

	manager, err := clustermanager.NewManager(bootstrap, upstream.NewClusterFactory(), opts...)
	if err != nil {
		slog.Error("failed to construct cluster manager", "error", err)
		return 1
	}

	initialized := make(chan struct{})
	manager.SetInitializedCb(func() { close(initialized) })

	concurrency := flags.concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	dispatchers := make([]*dispatcher.Dispatcher, concurrency)
	for i := range dispatchers {
		dispatchers[i] = dispatcher.New(256)
		manager.RegisterWorker(dispatchers[i])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	select {
	case <-initialized:
		slog.Info("all clusters initialized")
	case <-ctx.Done():
		manager.Shutdown()
		return 0
	}

	<-ctx.Done()
	slog.Info("shutting down", "drain_time_s", flags.drainTimeS)

	manager.Shutdown()
	for _, d := range dispatchers {
		d.Stop()
	}

	return 0
}

// dialerForCDSCluster builds a subscription.Dialer that connects to the CDS cluster's first
// statically-declared host. A production build would resolve this through the cluster manager's own
// connection pool once it is warm; at startup that cluster is, by construction, still Primary-phase and
// not yet available, so the dialer goes directly to the bootstrap-declared address instead.
func dialerForCDSCluster(bootstrap clustermanager.Bootstrap) subscription.Dialer {
	var addr string
	for _, def := range bootstrap.Clusters {
		if def.Name == bootstrap.CDS.ClusterName && len(def.Hosts) > 0 {
			addr = def.Hosts[0].Address
			break
		}
	}

	return func(ctx context.Context) (ads.Client, error) {
		if addr == "" {
			return nil, fmt.Errorf("cds cluster %q has no static hosts to dial", bootstrap.CDS.ClusterName)
		}
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}
		return discovery.NewAggregatedDiscoveryServiceClient(conn).StreamAggregatedResources(ctx)
	}
}
