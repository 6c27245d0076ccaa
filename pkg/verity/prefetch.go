package verity

// DefaultPrefetchClusterBytes is the tunable's default value (spec §6
// "prefetch_cluster — integer bytes, default 262144").
const DefaultPrefetchClusterBytes = 262144

// PrefetchTask is the unit of work the prefetch worker pool consumes (spec
// §3 Data Model "Prefetch task"). It holds everything a worker needs and
// nothing else; it is discarded once processed.
type PrefetchTask struct {
	Start uint64
	Count uint64
}

// prefetchClusterInBlocks converts the prefetch_cluster tunable (bytes) to a
// power-of-two count of hash blocks, per spec §6/§9: round down to the
// largest power of two not exceeding the setting. A result of 0 (a setting
// smaller than one hash block) disables clustering. A clusterBytes of 0
// does not disable clustering: it selects DefaultPrefetchClusterBytes.
func prefetchClusterInBlocks(clusterBytes uint32, hashBlockSize uint32) uint64 {
	if clusterBytes == 0 {
		clusterBytes = DefaultPrefetchClusterBytes
	}
	cluster := uint64(clusterBytes) >> floorLog2(uint64(hashBlockSize))
	if cluster == 0 {
		return 0
	}
	if !isPowerOfTwo(cluster) {
		cluster = uint64(1) << floorLog2(cluster)
	}
	return cluster
}

// Prefetch schedules the advisory hash-block warm-up for a pending
// verification of count data blocks starting at start (Component H, spec
// §4.H). It walks every non-root level, computing the hash-block span each
// level needs and widening level 0 to the configured cluster boundary, then
// hands the range to the cache's Prefetch hook. Prefetch never fails the
// caller: cache.Prefetch is defined as advisory and non-blocking.
func (e *Engine) Prefetch(start, count uint64) {
	if count == 0 {
		return
	}
	last := start + count - 1

	for level := e.geometry.Levels() - 2; level >= 0; level-- {
		hbLo := e.geometry.HashBlockOf(start, level)
		hbHi := e.geometry.HashBlockOf(last, level)

		if level == 0 && e.prefetchClusterBlocks > 0 {
			cluster := e.prefetchClusterBlocks
			hbLo &^= cluster - 1
			hbHi |= cluster - 1
			if size := e.cache.SizeInBlocks(); hbHi >= size {
				hbHi = size - 1
			}
		}

		e.cache.Prefetch(hbLo, hbHi-hbLo+1)
	}
}

// SubmitPrefetch hands t to the engine's worker pool, running Prefetch
// asynchronously (spec §5 "Prefetch pool: may share the verification pool;
// prefetch tasks are short").
func (e *Engine) SubmitPrefetch(t PrefetchTask) {
	e.pool.Spawn(func() {
		e.Prefetch(t.Start, t.Count)
	})
}
