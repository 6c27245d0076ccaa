package verity

import "testing"

func TestPrefetchClusterInBlocksDefault(t *testing.T) {
	got := prefetchClusterInBlocks(0, 4096)
	want := uint64(DefaultPrefetchClusterBytes) / 4096
	if got != want {
		t.Fatalf("prefetchClusterInBlocks(0, 4096) = %d, want %d", got, want)
	}
}

func TestPrefetchClusterInBlocksRoundsDownToPowerOfTwo(t *testing.T) {
	// 4096*3 = 12288 bytes / 4096-byte hash blocks = 3 blocks, which rounds
	// down to the nearest power of two (2), per spec §6/§9.
	got := prefetchClusterInBlocks(4096*3, 4096)
	if got != 2 {
		t.Fatalf("expected rounding down to 2, got %d", got)
	}
}

func TestPrefetchClusterInBlocksZeroDisablesClustering(t *testing.T) {
	// A cluster setting smaller than one hash block disables clustering.
	got := prefetchClusterInBlocks(100, 4096)
	if got != 0 {
		t.Fatalf("expected 0 (disabled), got %d", got)
	}
}

func TestEnginePrefetchDoesNotPanicAtVolumeBoundary(t *testing.T) {
	dataBlocks := makeDataBlocks(20, 64)
	tree := buildTestTree(t, "sha256", 1, 64, 128, nil, dataBlocks)
	tree.params.PrefetchClusterB = 2048 // 16 hash blocks of 128 bytes
	e := newTestEngine(t, tree, EngineConfig{})

	// Request near the end of the data range: the 16-block cluster around
	// level-0 hash block 4 reaches past the 8-block hash volume, which
	// exercises the cache-size clamp in Prefetch's cluster-rounding logic.
	e.Prefetch(18, 2)
}

func TestSubmitPrefetchRunsOnPool(t *testing.T) {
	dataBlocks := makeDataBlocks(8, 64)
	tree := buildTestTree(t, "sha256", 1, 64, 128, nil, dataBlocks)
	e := newTestEngine(t, tree, EngineConfig{Pool: inlinePool{}})

	done := make(chan struct{})
	pool := &spyPool{inner: inlinePool{}, done: done}
	e.pool = pool

	e.SubmitPrefetch(PrefetchTask{Start: 0, Count: 4})
	select {
	case <-done:
	default:
		t.Fatal("expected SubmitPrefetch to run synchronously on inlinePool")
	}
}

// spyPool wraps another WorkerPool and closes done after running one task.
type spyPool struct {
	inner WorkerPool
	done  chan struct{}
}

func (p *spyPool) Spawn(task func()) {
	p.inner.Spawn(task)
	close(p.done)
}
