package verity

// FEC is the forward-error-correction collaborator hook (spec §1, §4.D,
// §4.E): given a corrupted block, it may return a repaired copy. Treated
// here as an opaque function returning success or failure; the FEC module
// itself is out of scope for this core.
type FEC interface {
	// Recover attempts to repair blockID of kind typ. For metadata blocks,
	// buf is the hash block's own backing buffer to repair in place. For
	// data blocks, buf is the payload destination to repair in place.
	// Returns true on success.
	Recover(typ BlockType, blockID uint64, buf []byte) bool
}

// NoFEC is the zero-value FEC collaborator: it never recovers anything,
// matching a verifier constructed with no FEC flags (spec §6).
type NoFEC struct{}

// Recover implements FEC.
func (NoFEC) Recover(BlockType, uint64, []byte) bool { return false }

// fecEnabled reports whether fec is a real (non-nil, non-NoFEC) collaborator.
func fecEnabled(f FEC) bool {
	if f == nil {
		return false
	}
	_, isNoop := f.(NoFEC)
	return !isNoop
}
