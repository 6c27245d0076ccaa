package verity

import (
	"errors"
	"testing"
)

func TestVerifyLevelFastPathOnCachedVerifiedBlock(t *testing.T) {
	dataBlocks := makeDataBlocks(4, 64)
	tree := buildTestTree(t, "sha256", 1, 64, 128, nil, dataBlocks)
	e := newTestEngine(t, tree, EngineConfig{})

	// First VerifyData populates the cache and marks level-0 hash blocks
	// verified; a second call for a different block in the same hash block
	// should hit the LevelOK fast path without re-walking the tree.
	if err := e.VerifyData(0, [][]Fragment{{{Data: append([]byte(nil), dataBlocks[0]...)}}}); err != nil {
		t.Fatalf("first VerifyData: %v", err)
	}
	if err := e.VerifyData(1, [][]Fragment{{{Data: append([]byte(nil), dataBlocks[1]...)}}}); err != nil {
		t.Fatalf("second VerifyData: %v", err)
	}
}

func TestVerifyLevelSkipUnverifiedReturnsSkippedOnMiss(t *testing.T) {
	dataBlocks := makeDataBlocks(2, 64)
	tree := buildTestTree(t, "sha256", 1, 64, 128, nil, dataBlocks)
	e := newTestEngine(t, tree, EngineConfig{})

	want := make([]byte, e.digestSize)
	res, err := e.verifyLevel(0, 0, true, want)
	if err != nil {
		t.Fatalf("verifyLevel: %v", err)
	}
	if res != LevelSkipped {
		t.Fatalf("expected LevelSkipped on an unverified block with skipUnverified=true, got %v", res)
	}
}

func TestVerifyLevelNonSkipPopulatesWant(t *testing.T) {
	dataBlocks := makeDataBlocks(2, 64)
	tree := buildTestTree(t, "sha256", 1, 64, 128, nil, dataBlocks)
	e := newTestEngine(t, tree, EngineConfig{})

	want := make([]byte, e.digestSize)
	copy(want, tree.rootDigest)
	res, err := e.verifyLevel(0, e.geometry.Levels()-1, false, want)
	if err != nil {
		t.Fatalf("verifyLevel: %v", err)
	}
	if res != LevelOK {
		t.Fatalf("expected LevelOK, got %v", res)
	}
	allZero := true
	for _, b := range want {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("expected verifyLevel to populate want with a child digest")
	}
}

// TestVerifyLevelEscalatesHashVolumeIoErrorToPolicy covers spec §7's
// classification of a hash-volume read failure as a transient fault that
// must still reach Component G, not just bubble up raw (level.go:24-27).
func TestVerifyLevelEscalatesHashVolumeIoErrorToPolicy(t *testing.T) {
	dataBlocks := makeDataBlocks(2, 64)
	tree := buildTestTree(t, "sha256", 1, 64, 128, nil, dataBlocks)
	cache := NewMemHashBlockCache(&erroringReaderAt{err: errors.New("device offline")}, 128, tree.cache.SizeInBlocks())
	e := newTestEngine(t, tree, EngineConfig{Cache: cache})

	want := make([]byte, e.digestSize)
	_, err := e.verifyLevel(0, 0, false, want)
	if err == nil {
		t.Fatal("expected the hash-volume IoError to be returned")
	}
	var ioErr *IoError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *IoError, got %v (%T)", err, err)
	}
	if !e.policy.HashFailed() {
		t.Fatal("expected verifyLevel to route the IoError through policy.Handle")
	}
	if got := e.policy.CorruptedErrs(); got != 1 {
		t.Fatalf("expected policy.Handle to bump the corruption counter once, got %d", got)
	}
}
