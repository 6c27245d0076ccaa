package verity

import "testing"

func TestParseModeTextual(t *testing.T) {
	cases := map[string]Mode{"eio": ModeEIO, "panic": ModePanic, "none": ModeNone, "notify": ModeNotify}
	for s, want := range cases {
		got, err := ParseMode(s)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", s, err)
		}
		if got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestParseModeDigit(t *testing.T) {
	got, err := ParseMode("1")
	if err != nil {
		t.Fatalf("ParseMode(\"1\"): %v", err)
	}
	if got != ModePanic {
		t.Fatalf("ParseMode(\"1\") = %v, want ModePanic", got)
	}
}

func TestParseModeRejectsUnknown(t *testing.T) {
	if _, err := ParseMode("bogus"); err == nil {
		t.Fatal("expected an error for an unknown mode string")
	}
	if _, err := ParseModeDigit(9); err == nil {
		t.Fatal("expected an error for an unknown mode digit")
	}
}

func TestModeString(t *testing.T) {
	cases := map[Mode]string{
		ModeEIO:     "eio",
		ModeLogging: "ignore_corruption",
		ModeRestart: "restart_on_corruption",
		ModePanic:   "panic_on_corruption",
		ModeNone:    "none",
		ModeNotify:  "notify",
	}
	for m, want := range cases {
		if got := m.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", m, got, want)
		}
	}
}

func TestPolicyHandleLoggingModeRecovers(t *testing.T) {
	p := NewPolicy(ModeLogging, "dev0", 0, nil, nil, nil)
	if escalate := p.Handle(BlockTypeData, 3, false, [2]uint64{0, 1}, [2]uint64{0, 1}); escalate {
		t.Fatal("ModeLogging should never escalate")
	}
	if !p.HashFailed() {
		t.Fatal("HashFailed should be sticky once a failure is handled")
	}
	if p.CorruptedErrs() != 1 {
		t.Fatalf("CorruptedErrs() = %d, want 1", p.CorruptedErrs())
	}
}

func TestPolicyHandleEioModeEscalates(t *testing.T) {
	p := NewPolicy(ModeEIO, "dev0", 0, nil, nil, nil)
	if escalate := p.Handle(BlockTypeData, 3, false, [2]uint64{0, 1}, [2]uint64{0, 1}); !escalate {
		t.Fatal("ModeEIO should always escalate to the caller")
	}
}

func TestPolicyHandlePanicModeOnlyHaltsOnNonTransient(t *testing.T) {
	halted := false
	p := NewPolicy(ModePanic, "dev0", 0, haltRecorder{panicFn: func(string) { halted = true }}, nil, nil)

	// Transient failure: must not halt the host, only surface to the caller.
	if escalate := p.Handle(BlockTypeData, 1, true, [2]uint64{0, 1}, [2]uint64{0, 1}); !escalate {
		t.Fatal("ModePanic must still escalate a transient failure to the caller")
	}
	if halted {
		t.Fatal("ModePanic must not halt the host for a transient failure")
	}

	// Non-transient (confirmed corruption): halts the host.
	if escalate := p.Handle(BlockTypeData, 2, false, [2]uint64{0, 1}, [2]uint64{0, 1}); !escalate {
		t.Fatal("ModePanic must escalate a non-transient failure")
	}
	if !halted {
		t.Fatal("ModePanic must halt the host for a confirmed non-transient corruption")
	}
}

func TestPolicyHandleNotifyWithNoNotifiersFallsThroughToEscalate(t *testing.T) {
	// A configured-but-unwired ModeNotify must not look like success.
	p := NewPolicy(ModeNotify, "dev0", 0, nil, nil, nil)
	if escalate := p.Handle(BlockTypeMetadata, 0, false, [2]uint64{0, 1}, [2]uint64{0, 1}); !escalate {
		t.Fatal("ModeNotify with no registered notifiers must escalate, not silently recover")
	}
}

func TestPolicyHandleNotifyNotifierCanOverrideToLogging(t *testing.T) {
	p := NewPolicy(ModeNotify, "dev0", 0, nil, nil, nil)
	p.RegisterNotifier(fixedNotifier{handled: true, mode: ModeLogging})
	if escalate := p.Handle(BlockTypeData, 0, false, [2]uint64{0, 1}, [2]uint64{0, 1}); escalate {
		t.Fatal("a notifier overriding to ModeLogging should recover the request")
	}
}

func TestPolicyCorruptedErrsSaturatesAtThreshold(t *testing.T) {
	p := NewPolicy(ModeLogging, "dev0", 2, nil, nil, nil)
	p.Handle(BlockTypeData, 0, false, [2]uint64{0, 1}, [2]uint64{0, 1})
	p.Handle(BlockTypeData, 1, false, [2]uint64{0, 1}, [2]uint64{0, 1})
	p.Handle(BlockTypeData, 2, false, [2]uint64{0, 1}, [2]uint64{0, 1})
	if got := p.CorruptedErrs(); got != 2 {
		t.Fatalf("CorruptedErrs() = %d, want saturated at 2", got)
	}
}

type haltRecorder struct {
	panicFn  func(string)
	rebootFn func(string)
}

func (h haltRecorder) Panic(msg string)  { h.panicFn(msg) }
func (h haltRecorder) Reboot(msg string) { h.rebootFn(msg) }

type fixedNotifier struct {
	handled bool
	mode    Mode
}

func (n fixedNotifier) Notify(rec NotifyRecord) (bool, Mode) { return n.handled, n.mode }
