package subscription

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtakigiku/envoy/ads"
)

func writeAtomic(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestFilesystemSubscriptionLoadsInitialFileOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cds.json")
	writeAtomic(t, path, fmtDoc("v1", "cluster_1"))

	var got []*ads.Resource[*ads.Cluster]
	done := make(chan struct{}, 1)
	callbacks := Callbacks{
		OnConfigUpdate: func(resources []*ads.Resource[*ads.Cluster]) {
			got = resources
			done <- struct{}{}
		},
		OnConfigUpdateFailed: func(error) {},
	}

	sub := NewFilesystemSubscription(path, callbacks, NewStats(nil, "test-fs"))
	require.NoError(t, sub.Start(context.Background(), nil))
	defer sub.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial OnConfigUpdate")
	}
	require.Len(t, got, 1)
	require.Equal(t, "cluster_1", got[0].Name)
}

func TestFilesystemSubscriptionReloadsOnAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cds.json")
	writeAtomic(t, path, fmtDoc("v1", "cluster_1"))

	updates := make(chan []*ads.Resource[*ads.Cluster], 4)
	callbacks := Callbacks{
		OnConfigUpdate:       func(resources []*ads.Resource[*ads.Cluster]) { updates <- resources },
		OnConfigUpdateFailed: func(error) {},
	}

	sub := NewFilesystemSubscription(path, callbacks, NewStats(nil, "test-fs-reload"))
	require.NoError(t, sub.Start(context.Background(), nil))
	defer sub.Stop()

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out on initial load")
	}

	writeAtomic(t, path, fmtDoc("v2", "cluster_2"))

	select {
	case resources := <-updates:
		require.Len(t, resources, 1)
		require.Equal(t, "cluster_2", resources[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload after atomic replace")
	}
}

func fmtDoc(version, name string) string {
	return "{\n  \"versionInfo\": \"" + version + "\",\n  \"resources\": [\n    {\"@type\": \"type.googleapis.com/envoy.config.cluster.v3.Cluster\", \"name\": \"" + name + "\"}\n  ]\n}"
}
