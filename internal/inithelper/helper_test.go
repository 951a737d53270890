package inithelper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCluster is a minimal Cluster whose Initialize behavior is controlled by the test.
type fakeCluster struct {
	name  string
	phase Phase
	// initialize is called synchronously from Initialize. If nil, Initialize stores done for the
	// test to invoke later.
	initialize func(done func())
	done       func()
}

func (c *fakeCluster) Name() string      { return c.name }
func (c *fakeCluster) InitPhase() Phase  { return c.phase }
func (c *fakeCluster) Initialize(done func()) {
	c.done = done
	if c.initialize != nil {
		c.initialize(done)
	}
}

func TestHelperStaticOnlyNoPendingReachesAllInitializedImmediately(t *testing.T) {
	h := New()

	var firedCount int
	h.SetInitializedCb(func() { firedCount++ })

	h.OnStaticLoadComplete()
	require.Equal(t, AllClustersInitialized, h.State())
	require.Equal(t, 1, firedCount)
}

func TestHelperPrimaryBeforeSecondary(t *testing.T) {
	h := New()

	var order []string
	primary := &fakeCluster{name: "primary", phase: Primary}
	secondary := &fakeCluster{name: "secondary", phase: Secondary, initialize: func(done func()) {
		order = append(order, "secondary-start")
		done()
	}}

	h.AddCluster(primary)
	h.AddCluster(secondary)
	require.Nil(t, secondary.done, "secondary must not start before static load completes")

	h.OnStaticLoadComplete()
	require.Equal(t, WaitingForStaticInitialize, h.State())
	require.Nil(t, order, "secondary must not start while a primary cluster is still pending")

	primary.done()
	require.Equal(t, []string{"secondary-start"}, order)
	require.Equal(t, AllClustersInitialized, h.State())
}

func TestHelperInitializedCallbackFiresOnceAfterAllSecondary(t *testing.T) {
	h := New()

	s1 := &fakeCluster{name: "s1", phase: Secondary}
	s2 := &fakeCluster{name: "s2", phase: Secondary}
	h.AddCluster(s1)
	h.AddCluster(s2)

	var fired int
	h.SetInitializedCb(func() { fired++ })

	h.OnStaticLoadComplete()
	require.Equal(t, WaitingForSecondaryInitialize, h.State())
	require.Equal(t, 0, fired)

	s1.done()
	require.Equal(t, 0, fired)
	require.Equal(t, WaitingForSecondaryInitialize, h.State())

	s2.done()
	require.Equal(t, 1, fired)
	require.Equal(t, AllClustersInitialized, h.State())
}

func TestHelperSetInitializedCbAfterAllInitializedFiresSynchronously(t *testing.T) {
	h := New()
	h.OnStaticLoadComplete()
	require.Equal(t, AllClustersInitialized, h.State())

	var fired bool
	h.SetInitializedCb(func() { fired = true })
	require.True(t, fired)
}

func TestHelperAddClusterAfterAllInitializedInitializesImmediatelyWithNoOpDone(t *testing.T) {
	h := New()
	h.OnStaticLoadComplete()
	require.Equal(t, AllClustersInitialized, h.State())

	late := &fakeCluster{name: "late", phase: Secondary}
	h.AddCluster(late)
	require.NotNil(t, late.done, "a cluster added after warm-up still gets Initialize called")

	// The done callback for a late-added cluster is a no-op; calling it must not panic or corrupt state.
	late.done()
	require.Equal(t, AllClustersInitialized, h.State())
}

func TestHelperRemoveSecondaryClusterDuringLoadingExcludesItFromSweep(t *testing.T) {
	h := New()
	kept := &fakeCluster{name: "kept", phase: Secondary}
	removed := &fakeCluster{name: "removed", phase: Secondary}

	h.AddCluster(kept)
	h.AddCluster(removed)
	h.RemoveCluster(removed)

	h.OnStaticLoadComplete()
	require.Equal(t, WaitingForSecondaryInitialize, h.State())
	require.NotNil(t, kept.done)
	require.Nil(t, removed.done, "a cluster removed before the secondary sweep must never have Initialize called")

	kept.done()
	require.Equal(t, AllClustersInitialized, h.State())
}

// TestHelperBug903ReentrantSelfRemovalDuringSecondarySweep reproduces the historical bug-903
// regression: a secondary cluster's Initialize callback synchronously calls RemoveCluster on itself,
// reentering the helper from the middle of the secondary sweep. The sweep must complete without
// corrupting its traversal, and the manager-level initialized callback must fire exactly once.
func TestHelperBug903ReentrantSelfRemovalDuringSecondarySweep(t *testing.T) {
	h := New()

	var self *fakeCluster
	self = &fakeCluster{name: "self", phase: Secondary, initialize: func(done func()) {
		h.RemoveCluster(self)
	}}

	var fired int
	h.SetInitializedCb(func() { fired++ })

	h.AddCluster(self)
	h.OnStaticLoadComplete()

	require.Equal(t, AllClustersInitialized, h.State())
	require.Equal(t, 1, fired)
}

// TestHelperBug903ReentrantSelfRemovalWithLaterSiblingStillRuns ensures that when the reentrant
// removal happens on an earlier entry in the sweep, a sibling cluster appended after it in insertion
// order is still visited by the in-progress traversal.
func TestHelperBug903ReentrantSelfRemovalWithLaterSiblingStillRuns(t *testing.T) {
	h := New()

	var self *fakeCluster
	self = &fakeCluster{name: "self", phase: Secondary, initialize: func(done func()) {
		h.RemoveCluster(self)
	}}
	sibling := &fakeCluster{name: "sibling", phase: Secondary}

	h.AddCluster(self)
	h.AddCluster(sibling)

	var fired int
	h.SetInitializedCb(func() { fired++ })

	h.OnStaticLoadComplete()
	require.Equal(t, WaitingForSecondaryInitialize, h.State())
	require.NotNil(t, sibling.done, "sibling appended after self must still be visited by the sweep")
	require.Equal(t, 0, fired)

	sibling.done()
	require.Equal(t, 1, fired)
	require.Equal(t, AllClustersInitialized, h.State())
}

func TestHelperRemoveClusterDuringSecondaryWaitAdvancesCompletion(t *testing.T) {
	h := New()
	only := &fakeCluster{name: "only", phase: Secondary}
	h.AddCluster(only)
	h.OnStaticLoadComplete()
	require.Equal(t, WaitingForSecondaryInitialize, h.State())

	var fired int
	h.SetInitializedCb(func() { fired++ })

	h.RemoveCluster(only)
	require.Equal(t, AllClustersInitialized, h.State())
	require.Equal(t, 1, fired)
}
