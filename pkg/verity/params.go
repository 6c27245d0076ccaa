package verity

// VerityParams holds parameters for verity hash tree computation and verification,
// and the construction-time policy/option flags from spec §6.
type VerityParams struct {
	HashName       string
	DataBlockSize  uint32
	HashBlockSize  uint32
	DataBlocks     uint64
	HashType       uint32 // 0 or 1; also selects the salt-prefix/suffix digest discipline
	Salt           []byte
	SaltSize       uint16
	HashAreaOffset uint64
	NoSuperblock   bool
	UUID           [16]byte

	// Optional flags (spec §6).
	Mode              Mode // failure policy; zero value is ModeEIO
	IgnoreZeroBlocks  bool // allocate and precompute zero_digest
	CheckAtMostOnce   bool // allocate validated_once_bitmap
	PrefetchClusterB  uint32 // prefetch_cluster tunable, bytes; 0 = use DefaultPrefetchClusterBytes
}

// DefaultVerityParams returns recommended defaults for verity parameters.
func DefaultVerityParams() VerityParams {
	return VerityParams{
		HashName:      "sha256",
		DataBlockSize: 4096,
		HashBlockSize: 4096,
		HashType:      1,
		NoSuperblock:  false,
		Mode:          ModePanic,
	}
}

// IsBlockSizeValid checks if size is a power-of-two multiple of 512 within [512, 512KiB].
func IsBlockSizeValid(size uint32) bool {
	return size%512 == 0 && size >= 512 && size <= (512*1024) && (size&(size-1)) == 0
}
