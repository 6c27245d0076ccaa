package verity

import "testing"

func TestFlattenSingleFragmentReturnsSameBackingArray(t *testing.T) {
	f := Fragment{Data: []byte("hello")}
	out := flatten([]Fragment{f})
	out[0] = 'H'
	if f.Data[0] != 'H' {
		t.Fatal("expected flatten of a single fragment to alias its backing array")
	}
}

func TestFlattenMultipleFragmentsConcatenates(t *testing.T) {
	frags := []Fragment{{Data: []byte("ab")}, {Data: []byte("cd")}}
	out := flatten(frags)
	if string(out) != "abcd" {
		t.Fatalf("flatten = %q, want %q", out, "abcd")
	}
}

func TestScatterIntoMultipleFragmentsCopiesBack(t *testing.T) {
	frags := []Fragment{{Data: make([]byte, 2)}, {Data: make([]byte, 2)}}
	scatterInto(frags, []byte("abcd"))
	if string(frags[0].Data) != "ab" || string(frags[1].Data) != "cd" {
		t.Fatalf("scatterInto produced %q %q, want \"ab\" \"cd\"", frags[0].Data, frags[1].Data)
	}
}

func TestScatterIntoSingleFragmentIsNoOp(t *testing.T) {
	// Single-fragment payloads are repaired in place by flatten's aliasing,
	// so scatterInto must not touch them again.
	data := []byte("xyz")
	frags := []Fragment{{Data: data}}
	scatterInto(frags, []byte("abc"))
	if string(frags[0].Data) != "xyz" {
		t.Fatalf("expected single-fragment scatterInto to be a no-op, got %q", frags[0].Data)
	}
}

func TestZeroFragmentsZeroesAllBytes(t *testing.T) {
	frags := []Fragment{{Data: []byte{1, 2, 3}}, {Data: []byte{4, 5}}}
	zeroFragments(frags)
	for _, f := range frags {
		for _, b := range f.Data {
			if b != 0 {
				t.Fatalf("expected all bytes zeroed, got %v", f.Data)
			}
		}
	}
}

func TestVerifyBlockDetectsCorruptionOnColdCache(t *testing.T) {
	// Forces the full top-down walk in verifyBlock (not just the level-0
	// fast path): the engine's cache is fresh, so no hash block is marked
	// verified yet and a corrupted payload must be caught via the
	// root-to-leaf recomputation.
	dataBlocks := makeDataBlocks(4, 64)
	tree := buildTestTree(t, "sha256", 1, 64, 128, nil, dataBlocks)
	e := newTestEngine(t, tree, EngineConfig{})

	bad := make([]byte, 64)
	copy(bad, dataBlocks[3])
	bad[0] ^= 0xFF

	err := e.VerifyData(3, [][]Fragment{{{Data: bad}}})
	if err == nil {
		t.Fatal("expected corruption to be detected")
	}
	var integrityErr *IntegrityError
	if ie, ok := err.(*IntegrityError); ok {
		integrityErr = ie
	}
	if integrityErr == nil || integrityErr.Type != BlockTypeData || integrityErr.Block != 3 {
		t.Fatalf("unexpected error: %v", err)
	}
}
