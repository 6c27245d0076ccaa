package verity

import (
	"crypto"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine is the transparent integrity-verification core (spec §2): the
// composition of Components A-H over one verity device. It owns no I/O of
// its own beyond the HashBlockCache and FEC/signature/host hooks supplied at
// construction.
type Engine struct {
	geometry *Geometry
	cache    HashBlockCache
	policy   *Policy
	fec      FEC
	sig      RootSignatureVerifier
	pool     WorkerPool

	hashFunc   crypto.Hash
	digestSize uint32
	salt       []byte
	version    uint32

	rootDigest []byte
	zeroDigest []byte // nil unless IgnoreZeroBlocks is set

	validatedOnce *AtomicBitmap // nil unless CheckAtMostOnce is set

	prefetchClusterBlocks uint64 // 0 = disabled
}

// EngineConfig collects the construction-time collaborators an Engine needs
// beyond VerityParams itself (spec §9 "Host-environment coupling").
type EngineConfig struct {
	Device   string // reported in host events / metrics labels (spec §4.G.3)
	Cache    HashBlockCache
	FEC      FEC
	Sig      RootSignatureVerifier
	Host     HostHalt
	Events   HostEvents
	Pool     WorkerPool
	Registry prometheus.Registerer // nil is fine; metrics are simply left unregistered
}

// NewEngine builds an Engine for dataBlocks data blocks addressed with the
// given geometry parameters, wiring levelBase from the caller (typically
// derived the way merkle.go's calculateHashLevels lays out the hash volume)
// and the construction-time option flags in params (spec §6).
func NewEngine(params VerityParams, levelBase []uint64, rootDigest []byte, cfg EngineConfig) (*Engine, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("verity: HashBlockCache is required")
	}

	hashFunc := hashFuncByName(params.HashName)
	if !hashFunc.Available() {
		return nil, fmt.Errorf("verity: hash algorithm %s not linked into binary", params.HashName)
	}
	digestSize := uint32(hashFunc.Size())

	geometry, err := NewGeometry(log2BlockSize(params.DataBlockSize), log2BlockSize(params.HashBlockSize), digestSize, params.DataBlocks, params.HashType)
	if err != nil {
		return nil, err
	}
	if len(levelBase) < geometry.Levels() {
		return nil, fmt.Errorf("verity: level_base has %d entries, need %d", len(levelBase), geometry.Levels())
	}
	for level := 0; level < geometry.Levels(); level++ {
		geometry.SetLevelBase(level, levelBase[level])
	}

	if len(rootDigest) != int(digestSize) {
		return nil, fmt.Errorf("verity: root digest is %d bytes, want %d", len(rootDigest), digestSize)
	}

	sig := cfg.Sig
	if sig == nil {
		sig = NoSignatureCheck{}
	}
	if err := sig.VerifyRootSignature(rootDigest); err != nil {
		return nil, fmt.Errorf("verity: root signature check failed: %w", err)
	}

	fec := cfg.FEC
	if fec == nil {
		fec = NoFEC{}
	}
	pool := cfg.Pool
	if pool == nil {
		pool = inlinePool{}
	}

	e := &Engine{
		geometry:   geometry,
		cache:      cfg.Cache,
		fec:        fec,
		sig:        sig,
		pool:       pool,
		hashFunc:   hashFunc,
		digestSize: digestSize,
		salt:       params.Salt,
		version:    params.HashType,
		rootDigest: append([]byte(nil), rootDigest...),
	}

	metrics := newPolicyMetrics(cfg.Registry, cfg.Device)
	e.policy = NewPolicy(params.Mode, cfg.Device, DefaultCorruptedErrsMax, cfg.Host, cfg.Events, metrics)

	if params.IgnoreZeroBlocks {
		pipeline := e.newDigestPipeline()
		e.zeroDigest = pipeline.Hash(make([]byte, params.DataBlockSize))
	}
	if params.CheckAtMostOnce {
		e.validatedOnce = NewAtomicBitmap(params.DataBlocks)
	}

	e.prefetchClusterBlocks = prefetchClusterInBlocks(params.PrefetchClusterB, params.HashBlockSize)

	return e, nil
}

// newDigestPipeline builds a fresh DigestPipeline bound to this engine's
// algorithm, salt, and version discipline (spec §4.C).
func (e *Engine) newDigestPipeline() *DigestPipeline {
	return NewDigestPipeline(e.hashFunc, e.salt, e.version)
}

// RootDigest returns a copy of the trusted root digest this engine verifies
// against.
func (e *Engine) RootDigest() []byte {
	out := make([]byte, len(e.rootDigest))
	copy(out, e.rootDigest)
	return out
}

// Geometry exposes the engine's addressing geometry (read-only use, e.g. by
// the prefetcher and dispatcher).
func (e *Engine) Geometry() *Geometry { return e.geometry }

// Policy exposes the engine's failure policy, e.g. for status reporting
// (spec §6 Info 'C'/'V' flags) and RegisterNotifier wiring.
func (e *Engine) Policy() *Policy { return e.policy }

// VerifyData verifies one contiguous run of data blocks against the hash
// tree (Component E applied per-block, spec §4.E/§4.F). payload supplies one
// scatter/gather fragment list per block, in block order.
func (e *Engine) VerifyData(startBlock uint64, payload [][]Fragment) error {
	if startBlock+uint64(len(payload)) > e.geometry.DataBlocks() {
		return ErrOutOfRange
	}
	for i, frags := range payload {
		if err := e.verifyBlock(startBlock+uint64(i), frags); err != nil {
			return err
		}
	}
	return nil
}

// VerifyRootSignature re-checks the configured root digest against sig,
// used when a signature collaborator is installed after construction.
func (e *Engine) VerifyRootSignature() error {
	return e.sig.VerifyRootSignature(e.rootDigest)
}

// log2BlockSize returns log2(size) for a power-of-two block size; callers
// must validate with IsBlockSizeValid first.
func log2BlockSize(size uint32) uint {
	return floorLog2(uint64(size))
}
