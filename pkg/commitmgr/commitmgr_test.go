package commitmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fencekv/pkg/cache"
	"fencekv/pkg/commit"
	"fencekv/pkg/errkind"
	"fencekv/pkg/fence"
	"fencekv/pkg/types"
)

func fileVal(s string) *types.Dirent {
	d := types.FileVal([]byte(s))
	return &d
}

func TestAddFenceRejectsDuplicateName(t *testing.T) {
	assert := assert.New(t)

	m := New(cache.NewMemCache(16, 0))
	f1, _ := fence.New("a", 1)
	f2, _ := fence.New("a", 1)

	assert.NoError(m.AddFence(f1))
	err := m.AddFence(f2)
	assert.True(errkind.Is(err, errkind.AlreadyExists))

	got, ok := m.LookupFence("a")
	assert.True(ok)
	assert.Same(f1, got)
}

func TestProcessFenceRequestOnlyQueuesEligibleFences(t *testing.T) {
	assert := assert.New(t)

	m := New(cache.NewMemCache(16, 0))
	f, _ := fence.New("pending", 2)
	f.AddOps([]fence.Op{{Key: "a"}})
	m.ProcessFenceRequest(f)
	assert.False(m.CommitsReady())

	f.AddOps([]fence.Op{{Key: "b"}})
	m.ProcessFenceRequest(f)
	assert.True(m.CommitsReady())

	rc, ok := m.GetReadyCommit()
	assert.True(ok)
	assert.Same(f, rc.Fence)
}

func TestRemoveCommitDropsFromQueue(t *testing.T) {
	assert := assert.New(t)

	m := New(cache.NewMemCache(16, 0))
	f, _ := fence.New("f", 1)
	f.AddOps([]fence.Op{{Key: "a"}})
	m.ProcessFenceRequest(f)

	rc, ok := m.GetReadyCommit()
	assert.True(ok)

	m.RemoveCommit(rc)
	assert.False(m.CommitsReady())
}

func TestNoopStoresTrackedAcrossCommits(t *testing.T) {
	assert := assert.New(t)

	mc := cache.NewMemCache(16, 0)
	m := New(mc)

	f1, _ := fence.New("f1", 1)
	f1.AddOps([]fence.Op{{Key: "a", Dirent: fileVal("v")}})
	m.ProcessFenceRequest(f1)
	c1, _ := m.GetReadyCommit()
	runCommit(t, c1)
	m.RemoveCommit(c1)

	f2, _ := fence.New("f2", 1)
	f2.AddOps([]fence.Op{{Key: "a", Dirent: fileVal("v")}})
	m.ProcessFenceRequest(f2)
	c2, _ := m.GetReadyCommit()
	runCommit(t, c2)

	assert.Equal(int64(1), m.NoopStores())
	m.ClearNoopStores()
	assert.Equal(int64(0), m.NoopStores())
}

func TestMergeReadyCommitsFoldsAdjacentEligibleFences(t *testing.T) {
	assert := assert.New(t)

	m := New(cache.NewMemCache(16, 0))

	f1, _ := fence.New("f1", 1)
	f1.AddOps([]fence.Op{{Key: "a", Dirent: fileVal("1")}})
	m.ProcessFenceRequest(f1)

	f2, _ := fence.New("f2", 1)
	f2.AddOps([]fence.Op{{Key: "b", Dirent: fileVal("2")}})
	m.ProcessFenceRequest(f2)

	assert.Len(m.ready, 2)
	m.MergeReadyCommits()
	assert.Len(m.ready, 1)
	assert.Len(m.ready[0].Fence.Ops, 2)
}

func TestMergeReadyCommitsStopsAtNoMergeDonor(t *testing.T) {
	assert := assert.New(t)

	m := New(cache.NewMemCache(16, 0))

	f1, _ := fence.New("f1", 1)
	f1.AddOps([]fence.Op{{Key: "a"}})
	m.ProcessFenceRequest(f1)

	f2, _ := fence.New("f2", 1)
	f2.Flags = fence.NoMerge
	f2.AddOps([]fence.Op{{Key: "b"}})
	m.ProcessFenceRequest(f2)

	f3, _ := fence.New("f3", 1)
	f3.AddOps([]fence.Op{{Key: "c"}})
	m.ProcessFenceRequest(f3)

	m.MergeReadyCommits()
	assert.Len(m.ready, 3)
	assert.Len(m.ready[0].Fence.Ops, 1)
	assert.Same(f2, m.ready[1].Fence)
}

func runCommit(t *testing.T, c *commit.Commit) {
	t.Helper()
	for i := 0; i < 100; i++ {
		switch c.Process(types.ZeroRef, 0) {
		case commit.Finished:
			return
		case commit.Error:
			t.Fatalf("commit failed: %v", c.Err())
		case commit.LoadMissingRefs:
			c.IterMissingRefs(func(ref types.Ref) error { return nil })
		case commit.DirtyCacheEntries:
			c.IterDirtyCacheEntries(func(e *cache.Entry) error { return nil })
		}
	}
	t.Fatal("commit never finished")
}
