package verity

import "crypto/subtle"

// LevelResult is the three-valued outcome of verifyLevel (spec §4.D).
type LevelResult int

const (
	// LevelOK means want now holds the child digest at the requested offset.
	LevelOK LevelResult = iota
	// LevelSkipped means the hash block was unverified and skip_unverified
	// was requested; want is unchanged.
	LevelSkipped
)

// verifyLevel verifies one hash block at one tree level against a
// parent-supplied expected digest (spec §4.D Component D). On success it
// overwrites want with the child digest found at the block's offset within
// that hash block.
func (e *Engine) verifyLevel(block uint64, level int, skipUnverified bool, want []byte) (LevelResult, error) {
	hb := e.geometry.HashBlockOf(block, level)
	off := e.geometry.OffsetInHashBlock(block, level)

	buf, aux, handle, err := e.cache.Read(hb)
	if err != nil {
		hashRange := [2]uint64{e.geometry.levelBase[0], e.cache.SizeInBlocks()}
		e.policy.Handle(BlockTypeMetadata, hb, true, hashRange, [2]uint64{0, e.geometry.DataBlocks()})
		return LevelOK, err
	}

	if aux.Verified() {
		copy(want, buf[off:off+uint64(e.digestSize)])
		e.cache.Release(handle)
		return LevelOK, nil
	}

	if skipUnverified {
		e.cache.Release(handle)
		return LevelSkipped, nil
	}

	pipeline := e.newDigestPipeline()
	real := pipeline.Hash(buf)

	if subtle.ConstantTimeCompare(real, want) == 1 {
		aux.MarkVerified()
	} else if fecEnabled(e.fec) && e.fec.Recover(BlockTypeMetadata, hb, buf) {
		aux.MarkVerified()
	} else {
		hashRange := [2]uint64{e.geometry.levelBase[0], e.cache.SizeInBlocks()}
		escalate := e.policy.Handle(BlockTypeMetadata, hb, false, hashRange, [2]uint64{0, e.geometry.DataBlocks()})
		if escalate {
			e.cache.Release(handle)
			return LevelOK, &IntegrityError{Type: BlockTypeMetadata, Block: hb}
		}
		// ModeLogging: recovered, continue with whatever is on disk.
	}

	copy(want, buf[off:off+uint64(e.digestSize)])
	e.cache.Release(handle)
	return LevelOK, nil
}
