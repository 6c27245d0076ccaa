package verity

import "fmt"

// BackingDevice is the remapped data device the dispatcher submits requests
// to (spec §4.F "submit the remapped request"); out of scope for this core
// beyond the single Submit hook.
type BackingDevice interface {
	Submit(req *InFlightRequest)
}

// Request is one upstream I/O as the dispatcher's caller sees it, before
// remapping (spec §4.F map(request)).
type Request struct {
	Write      bool
	StartByte  uint64
	Length     uint64
	Payload    []Fragment // one scatter list spanning the whole request
	OnComplete func(status error)
}

// InFlightRequest is the in-flight request record attached by map() (spec §3
// "In-flight request (I/O task)"). Per-block digest buffers are allocated
// lazily inside verifyBlock/verifyLevel rather than stored here, since Go's
// GC makes the spec's "per-request data area" pooling unnecessary.
//
// StartBlock is expressed in the backing device's own block addressing
// (logical block + the dispatcher's dataAreaOffset) since that is what
// BackingDevice.Submit needs to issue the I/O. LogicalBlock is the
// unshifted data-volume block index the hash tree is addressed by, used to
// verify the completed read and to report corruption (spec §4.E/§4.G always
// report in data-volume block space, never the backing device's own
// offset).
type InFlightRequest struct {
	StartBlock   uint64
	LogicalBlock uint64
	BlockCount   uint64
	Payload      [][]Fragment // one scatter list per data block, in order
	Complete     func(status error)
}

// Dispatcher implements Component F: request validation, remapping,
// prefetch scheduling, and completion-driven verification dispatch.
type Dispatcher struct {
	engine         *Engine
	backing        BackingDevice
	dataAreaOffset uint64
	verifyPool     WorkerPool
}

// NewDispatcher builds a Dispatcher remapping onto backing at dataAreaOffset
// bytes, submitting verification tasks to verifyPool (nil uses the engine's
// own pool, per spec §5 "may share the verification pool").
func NewDispatcher(engine *Engine, backing BackingDevice, dataAreaOffset uint64, verifyPool WorkerPool) *Dispatcher {
	if verifyPool == nil {
		verifyPool = engine.pool
	}
	return &Dispatcher{engine: engine, backing: backing, dataAreaOffset: dataAreaOffset, verifyPool: verifyPool}
}

// Map validates req and, on success, remaps and submits it to the backing
// device, scheduling a prefetch task alongside (spec §4.F map).
func (d *Dispatcher) Map(req *Request) error {
	if req.Write {
		return ErrReadOnly
	}

	if req.Length == 0 {
		return ErrMisaligned
	}

	blockSize := d.engine.geometry.DataBlockSize()
	if req.StartByte%blockSize != 0 || req.Length%blockSize != 0 {
		return ErrMisaligned
	}

	logicalStart := req.StartByte / blockSize
	blockCount := req.Length / blockSize
	if logicalStart+blockCount > d.engine.geometry.DataBlocks() {
		return ErrOutOfRange
	}

	payload, err := splitPayload(req.Payload, blockCount, blockSize)
	if err != nil {
		return err
	}

	in := &InFlightRequest{
		StartBlock:   logicalStart + d.dataAreaOffset/blockSize,
		LogicalBlock: logicalStart,
		BlockCount:   blockCount,
		Payload:      payload,
		Complete:     req.OnComplete,
	}

	d.engine.SubmitPrefetch(PrefetchTask{Start: logicalStart, Count: blockCount})

	d.backing.Submit(in)
	return nil
}

// Complete is invoked by the backing device when req finishes (spec §4.F
// complete(request, status)).
func (d *Dispatcher) Complete(req *InFlightRequest, status error) {
	if status != nil && !fecEnabled(d.engine.fec) {
		hashRange := [2]uint64{d.engine.geometry.levelBase[0], d.engine.cache.SizeInBlocks()}
		dataRange := [2]uint64{0, d.engine.geometry.DataBlocks()}
		d.engine.policy.Handle(BlockTypeData, req.LogicalBlock, true, hashRange, dataRange)
		req.Complete(status)
		return
	}

	d.verifyPool.Spawn(func() {
		err := d.engine.VerifyData(req.LogicalBlock, req.Payload)
		req.Complete(err)
	})
}

// splitPayload slices a request-wide scatter list into one scatter list per
// data block, splitting fragments that straddle a block boundary.
func splitPayload(frags []Fragment, blockCount uint64, blockSize uint64) ([][]Fragment, error) {
	out := make([][]Fragment, blockCount)
	var total uint64
	for _, f := range frags {
		total += uint64(len(f.Data))
	}
	if total != blockCount*blockSize {
		return nil, fmt.Errorf("verity: payload is %d bytes, want %d", total, blockCount*blockSize)
	}

	block := uint64(0)
	offsetInBlock := uint64(0)
	for _, f := range frags {
		data := f.Data
		for len(data) > 0 {
			remaining := blockSize - offsetInBlock
			n := uint64(len(data))
			if n > remaining {
				n = remaining
			}
			out[block] = append(out[block], Fragment{Data: data[:n]})
			data = data[n:]
			offsetInBlock += n
			if offsetInBlock == blockSize {
				offsetInBlock = 0
				block++
			}
		}
	}
	return out, nil
}
