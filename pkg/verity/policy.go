package verity

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Mode enumerates the failure policy state machine (spec §4.G).
type Mode int

const (
	ModeEIO Mode = iota
	ModeLogging
	ModeRestart
	ModePanic
	ModeNone
	ModeNotify
)

func (m Mode) String() string {
	switch m {
	case ModeLogging:
		return "ignore_corruption"
	case ModeRestart:
		return "restart_on_corruption"
	case ModePanic:
		return "panic_on_corruption"
	case ModeNone:
		return "none"
	case ModeNotify:
		return "notify"
	default:
		return "eio"
	}
}

// ParseMode parses the textual mode configuration (spec §9 "Global default
// mode is source-configurable as a textual string (eio|panic|none|notify) or
// a single digit 0..3").
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if d, err := strconv.Atoi(s); err == nil {
		return ParseModeDigit(d)
	}
	switch s {
	case "eio":
		return ModeEIO, nil
	case "panic":
		return ModePanic, nil
	case "none":
		return ModeNone, nil
	case "notify":
		return ModeNotify, nil
	default:
		return ModeEIO, fmt.Errorf("verity: unknown mode %q", s)
	}
}

// ParseModeDigit parses the `error_behavior <int>` construction flag (spec
// §6): 0=EIO, 1=Panic, 2=None, 3=Notify.
func ParseModeDigit(d int) (Mode, error) {
	switch d {
	case 0:
		return ModeEIO, nil
	case 1:
		return ModePanic, nil
	case 2:
		return ModeNone, nil
	case 3:
		return ModeNotify, nil
	default:
		return ModeEIO, fmt.Errorf("verity: unknown error_behavior %d", d)
	}
}

// DefaultCorruptedErrsMax is the failure-counter saturation threshold (spec §3).
const DefaultCorruptedErrsMax = 100

// Policy implements Component G: counts corruption events, publishes
// kernel-visible events, and applies the configured failure mode.
type Policy struct {
	mode      Mode
	threshold uint64
	device    string

	corruptedErrs atomic.Uint64
	hashFailed    atomic.Bool

	notifiersMu sync.RWMutex
	notifiers   []Notifier

	host    HostHalt
	events  HostEvents
	metrics *policyMetrics
}

// NewPolicy builds a Policy in the given mode, reporting as device to host
// and events, with corruption events saturating at threshold (0 = use
// DefaultCorruptedErrsMax).
func NewPolicy(mode Mode, device string, threshold uint64, host HostHalt, events HostEvents, metrics *policyMetrics) *Policy {
	if threshold == 0 {
		threshold = DefaultCorruptedErrsMax
	}
	if host == nil {
		host = noHalt{}
	}
	if events == nil {
		events = discardEvents{}
	}
	return &Policy{mode: mode, threshold: threshold, device: device, host: host, events: events, metrics: metrics}
}

// RegisterNotifier appends n to the ModeNotify notifier chain. Registration
// uses a writer-exclusive / reader-shared discipline (spec §5).
func (p *Policy) RegisterNotifier(n Notifier) {
	p.notifiersMu.Lock()
	defer p.notifiersMu.Unlock()
	p.notifiers = append(p.notifiers, n)
}

func (p *Policy) notifierChain() []Notifier {
	p.notifiersMu.RLock()
	defer p.notifiersMu.RUnlock()
	out := make([]Notifier, len(p.notifiers))
	copy(out, p.notifiers)
	return out
}

// HashFailed reports the sticky corruption flag (spec §6 status-info 'C').
func (p *Policy) HashFailed() bool { return p.hashFailed.Load() }

// CorruptedErrs returns the current (saturating) failure counter.
func (p *Policy) CorruptedErrs() uint64 { return p.corruptedErrs.Load() }

// bump increments corrupted_errs while below threshold; once saturated it
// stops incrementing and reports suppressed=true (spec §3 Failure counter).
func (p *Policy) bump() (suppressed bool) {
	for {
		old := p.corruptedErrs.Load()
		if old >= p.threshold {
			return true
		}
		if p.corruptedErrs.CompareAndSwap(old, old+1) {
			return false
		}
	}
}

// Handle applies the failure policy for one verification failure (spec
// §4.G). hashRange/dataRange are the verifier's hash-volume/data-volume
// extents, forwarded to notifiers only. It returns true if the caller should
// surface an IntegrityError to its own caller, false if the request should
// continue as "recovered" (ModeLogging).
func (p *Policy) Handle(typ BlockType, block uint64, transient bool, hashRange, dataRange [2]uint64) bool {
	p.hashFailed.Store(true)
	suppressed := p.bump()
	if !suppressed {
		p.events.Emit(EventRecord{Kind: typ, Block: block, Device: p.device})
		p.metrics.observe(typ)
	}

	mode := p.mode
	if mode == ModeNotify {
		rec := NotifyRecord{
			Kind: typ, Block: block, Device: p.device, Transient: transient,
			HashVolumeRange: hashRange, DataVolumeRange: dataRange,
		}
		for _, n := range p.notifierChain() {
			if handled, override := n.Notify(rec); handled {
				mode = override
				break
			}
		}
	}

	switch mode {
	case ModeLogging:
		return false
	case ModeRestart:
		p.host.Reboot(fmt.Sprintf("%s: %s block %d corrupted", p.device, typ, block))
		return true
	case ModePanic:
		// Only non-transient (digest mismatch) failures halt the host; a
		// transient digest/IO fault under Panic mode still surfaces as an
		// error to the caller instead (spec §9 clarification).
		if !transient {
			p.host.Panic(fmt.Sprintf("%s: %s block %d corrupted", p.device, typ, block))
		}
		return true
	case ModeEIO, ModeNone, ModeNotify:
		return true
	default:
		return true
	}
}
