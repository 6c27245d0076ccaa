package verity

import "fmt"

// Geometry holds the immutable addressing parameters of a hash tree, derived
// once at construction time (spec §3 "Geometry"). Component A: all methods
// are pure and side-effect free.
type Geometry struct {
	dataBlockBits      uint
	hashBlockBits      uint
	digestSize         uint32
	hashesPerBlockBits uint
	dataBlocks         uint64
	levels             int
	levelBase          []uint64 // level 0 closest to data, levels-1 closest to root
	version            uint32
}

// floorLog2 returns floor(log2(n)) for n >= 1.
func floorLog2(n uint64) uint {
	var l uint
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

// isPowerOfTwo reports whether n is a nonzero power of two.
func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// NewGeometry computes the hash-tree geometry for dataBlocks data blocks,
// given the block sizes, digest size, and format version (spec §3, §4.A).
func NewGeometry(dataBlockBits, hashBlockBits uint, digestSize uint32, dataBlocks uint64, version uint32) (*Geometry, error) {
	if dataBlocks < 1 {
		return nil, fmt.Errorf("verity: data_blocks must be >= 1")
	}
	if hashBlockBits > 31 {
		return nil, fmt.Errorf("verity: hash_block_bits %d exceeds 31", hashBlockBits)
	}
	hashBlockSize := uint64(1) << hashBlockBits
	if uint64(2)*uint64(digestSize) > hashBlockSize {
		return nil, fmt.Errorf("verity: 2*digest_size (%d) exceeds hash block size (%d)", 2*digestSize, hashBlockSize)
	}

	maxHashes := hashBlockSize / uint64(digestSize)
	hashesPerBlockBits := floorLog2(maxHashes)

	levels := 0
	for {
		if (dataBlocks-1)>>(hashesPerBlockBits*uint(levels)) == 0 {
			break
		}
		levels++
		if levels > VerityMaxLevels {
			return nil, fmt.Errorf("verity: hash tree exceeds maximum levels: %d", levels)
		}
	}
	if levels == 0 {
		levels = 1 // data_blocks == 1: the formula yields 0, but a single block still needs its one hash block
	}

	if hashesPerBlockBits*uint(levels) >= 64 {
		return nil, fmt.Errorf("verity: hashes_per_block_bits * levels overflows 64 bits")
	}

	g := &Geometry{
		dataBlockBits:      dataBlockBits,
		hashBlockBits:      hashBlockBits,
		digestSize:         digestSize,
		hashesPerBlockBits: hashesPerBlockBits,
		dataBlocks:         dataBlocks,
		levels:             levels,
		version:            version,
	}
	g.levelBase = make([]uint64, levels+1)
	return g, nil
}

// SetLevelBase installs the per-level starting hash-block index on the hash
// volume (spec §3 level_base), as computed by the on-disk layout (e.g. the
// superblock-driven layout in merkle.go). Levels may be set in any order;
// SetLevelBase does not check that level ranges are ordered or disjoint.
func (g *Geometry) SetLevelBase(level int, base uint64) {
	g.levelBase[level] = base
}

// Levels returns the number of hash-tree levels.
func (g *Geometry) Levels() int { return g.levels }

// DigestSize returns the configured digest size in bytes.
func (g *Geometry) DigestSize() uint32 { return g.digestSize }

// HashesPerBlockBits returns log2 of the number of child digests per hash block.
func (g *Geometry) HashesPerBlockBits() uint { return g.hashesPerBlockBits }

// HashBlockBits returns log2 of the hash block size.
func (g *Geometry) HashBlockBits() uint { return g.hashBlockBits }

// DataBlocks returns the total number of data blocks covered by the tree.
func (g *Geometry) DataBlocks() uint64 { return g.dataBlocks }

// DataBlockBits returns log2 of the data block size.
func (g *Geometry) DataBlockBits() uint { return g.dataBlockBits }

// DataBlockSize returns the data block size in bytes.
func (g *Geometry) DataBlockSize() uint64 { return uint64(1) << g.dataBlockBits }

// positionAtLevel computes block >> (level * hashes_per_block_bits) (spec §4.A).
func (g *Geometry) positionAtLevel(block uint64, level int) uint64 {
	shift := uint(level) * g.hashesPerBlockBits
	if shift >= 64 {
		return 0
	}
	return block >> shift
}

// HashBlockOf returns the hash-block index on the hash volume holding the
// digest for block at level (spec §4.A hash_block_of).
func (g *Geometry) HashBlockOf(block uint64, level int) uint64 {
	position := g.positionAtLevel(block, level)
	return g.levelBase[level] + (position >> g.hashesPerBlockBits)
}

// OffsetInHashBlock returns the byte offset within the hash block returned by
// HashBlockOf at which block's digest at level lives (spec §4.A
// offset_in_hash_block, version-dependent slot layout).
func (g *Geometry) OffsetInHashBlock(block uint64, level int) uint64 {
	position := g.positionAtLevel(block, level)
	mask := (uint64(1) << g.hashesPerBlockBits) - 1
	idx := position & mask
	if g.version == 0 {
		return idx * uint64(g.digestSize)
	}
	return idx << (g.hashBlockBits - g.hashesPerBlockBits)
}
