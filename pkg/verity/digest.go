package verity

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"hash"
)

// Fragment is one piece of a scatter/gather byte range (spec §4.C). Fragments
// crossing a page boundary are expected to already be split by the caller
// that owns the payload's scatter list (the upper I/O's cursor in 4.F).
type Fragment struct {
	Data []byte
}

// DigestPipeline drives an incremental cryptographic digest (init -> update ->
// final) with the version-dependent salt discipline from spec §4.C.
type DigestPipeline struct {
	hashFunc crypto.Hash
	salt     []byte
	version  uint32
	h        hash.Hash
}

// NewDigestPipeline builds a pipeline for the given algorithm, salt, and
// format version. The salt discipline (prefix for v1, suffix for v0) is
// fixed at construction and applied consistently by Init/Final below.
func NewDigestPipeline(hashFunc crypto.Hash, salt []byte, version uint32) *DigestPipeline {
	return &DigestPipeline{hashFunc: hashFunc, salt: salt, version: version}
}

// Size returns the digest size in bytes.
func (p *DigestPipeline) Size() int { return p.hashFunc.Size() }

// Init begins a new incremental digest, applying the v1 salt-prefix
// discipline immediately (spec §4.C): "init is followed by update(salt)
// before any data updates".
func (p *DigestPipeline) Init() {
	p.h = p.hashFunc.New()
	if p.version == 1 && len(p.salt) > 0 {
		p.h.Write(p.salt)
	}
}

// Update feeds one scatter fragment into the in-progress digest. Fragments
// that cross a page boundary must be split by the caller before calling
// Update (spec §4.C); DigestPipeline itself imposes no further splitting
// since Go's hash.Hash.Write already accepts arbitrary-length slices.
func (p *DigestPipeline) Update(b []byte) {
	p.h.Write(b)
}

// UpdateScatter feeds a sequence of (pointer, len) fragments in order.
func (p *DigestPipeline) UpdateScatter(frags []Fragment) {
	for _, f := range frags {
		p.h.Write(f.Data)
	}
}

// Final completes the digest, applying the v0 salt-suffix discipline first
// (spec §4.C): "before final, the pipeline does update(salt) if salt is
// present" — only for version 0; version 1 already consumed the salt in Init.
func (p *DigestPipeline) Final() []byte {
	if p.version == 0 && len(p.salt) > 0 {
		p.h.Write(p.salt)
	}
	return p.h.Sum(nil)
}

// Hash is the one-shot convenience form: init, update(b), final (spec §4.C).
func (p *DigestPipeline) Hash(b []byte) []byte {
	p.Init()
	p.Update(b)
	return p.Final()
}

// HashScatter is the one-shot convenience form over scatter fragments.
func (p *DigestPipeline) HashScatter(frags []Fragment) []byte {
	p.Init()
	p.UpdateScatter(frags)
	return p.Final()
}

// hashFuncByName maps a textual algorithm name (as stored in the superblock
// or passed positionally, spec §6) to a crypto.Hash, mirroring the teacher's
// VerityHash constructor switch in merkle.go.
func hashFuncByName(name string) crypto.Hash {
	switch name {
	case "sha512":
		return crypto.SHA512
	case "sha1":
		return crypto.SHA1
	default:
		return crypto.SHA256
	}
}
