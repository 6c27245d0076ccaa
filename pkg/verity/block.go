package verity

import "crypto/subtle"

// verifyBlock composes level verifiers top-down to obtain the expected
// digest for a data block, then hashes the data and compares (spec §4.E
// Component E). payload is the data block's scatter/gather fragment list.
func (e *Engine) verifyBlock(block uint64, payload []Fragment) error {
	if e.validatedOnce != nil && e.validatedOnce.Test(block) {
		return nil
	}

	want := make([]byte, e.digestSize)

	res, err := e.verifyLevel(block, 0, true, want)
	if err != nil {
		return err
	}
	if res != LevelOK {
		copy(want, e.rootDigest)
		for level := e.geometry.Levels() - 1; level >= 0; level-- {
			if _, err := e.verifyLevel(block, level, false, want); err != nil {
				return err
			}
		}
	}

	if e.zeroDigest != nil && subtle.ConstantTimeCompare(want, e.zeroDigest) == 1 {
		zeroFragments(payload)
		return nil
	}

	pipeline := e.newDigestPipeline()
	real := pipeline.HashScatter(payload)

	if subtle.ConstantTimeCompare(real, want) == 1 {
		if e.validatedOnce != nil {
			e.validatedOnce.Set(block)
		}
		return nil
	}

	if fecEnabled(e.fec) {
		repaired := flatten(payload)
		if e.fec.Recover(BlockTypeData, block, repaired) {
			scatterInto(payload, repaired)
			return nil
		}
	}

	hashRange := [2]uint64{e.geometry.levelBase[0], e.cache.SizeInBlocks()}
	dataRange := [2]uint64{0, e.geometry.DataBlocks()}
	if e.policy.Handle(BlockTypeData, block, false, hashRange, dataRange) {
		return &IntegrityError{Type: BlockTypeData, Block: block}
	}
	// ModeLogging: recovered, the request continues with the bytes as read.
	return nil
}

func zeroFragments(frags []Fragment) {
	for _, f := range frags {
		for i := range f.Data {
			f.Data[i] = 0
		}
	}
}

// flatten collapses a scatter list into one contiguous buffer for the FEC
// hook, which operates on a single repair destination. A single-fragment
// payload is returned as-is so in-place repair is visible to the caller
// without a copy.
func flatten(frags []Fragment) []byte {
	if len(frags) == 1 {
		return frags[0].Data
	}
	var n int
	for _, f := range frags {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range frags {
		out = append(out, f.Data...)
	}
	return out
}

// scatterInto copies a flattened, FEC-repaired buffer back into the
// original scatter fragments (no-op when flatten returned the single
// fragment's own backing array).
func scatterInto(frags []Fragment, flat []byte) {
	if len(frags) == 1 {
		return
	}
	var off int
	for _, f := range frags {
		copy(f.Data, flat[off:off+len(f.Data)])
		off += len(f.Data)
	}
}
