package vision

import (
	"testing"

	"github.com/rs/zerolog"
)

func face(x, y, w, h int, conf float64) DetectedFace {
	return DetectedFace{BBox: Rect{X: x, Y: y, W: w, H: h}, Confidence: conf}
}

func newTestTracker(cfg TrackerConfig) *Tracker {
	return NewTracker(cfg, zerolog.Nop())
}

func TestTracker_NoLockBeforeThreshold(t *testing.T) {
	tr := newTestTracker(TrackerConfig{LockThresholdFrames: 3, FaceLostTimeoutFrames: 15, TrackingDistanceThreshold: 100})

	for i := 0; i < 2; i++ {
		ev := tr.Observe([]DetectedFace{face(100, 100, 50, 50, 0.9)})
		if ev.State != TrackIdle {
			t.Fatalf("frame %d: expected idle, got %s", i+1, ev.State)
		}
		if tr.IsLocked() {
			t.Fatalf("frame %d: locked too early", i+1)
		}
	}

	ev := tr.Observe([]DetectedFace{face(100, 100, 50, 50, 0.9)})
	if ev.State != TrackLocked {
		t.Fatalf("expected face_locked on third frame, got %s", ev.State)
	}
	if ev.LockedFace == nil {
		t.Fatal("expected locked face snapshot")
	}
	if ev.LockedFace.BBox != (Rect{X: 100, Y: 100, W: 50, H: 50}) {
		t.Errorf("unexpected bbox %+v", ev.LockedFace.BBox)
	}
}

func TestTracker_EmptyFrameResetsDebounce(t *testing.T) {
	tr := newTestTracker(TrackerConfig{LockThresholdFrames: 3, FaceLostTimeoutFrames: 15, TrackingDistanceThreshold: 100})

	// N-1 hits, a miss, then N hits: lock only after the second run.
	tr.Observe([]DetectedFace{face(10, 10, 40, 40, 0.8)})
	tr.Observe([]DetectedFace{face(10, 10, 40, 40, 0.8)})
	ev := tr.Observe(nil)
	if ev.State != TrackIdle {
		t.Fatalf("expected idle on miss, got %s", ev.State)
	}

	for i := 0; i < 2; i++ {
		ev = tr.Observe([]DetectedFace{face(10, 10, 40, 40, 0.8)})
		if tr.IsLocked() {
			t.Fatalf("locked after only %d post-miss frames", i+1)
		}
	}
	ev = tr.Observe([]DetectedFace{face(10, 10, 40, 40, 0.8)})
	if ev.State != TrackLocked {
		t.Fatalf("expected lock after full run, got %s", ev.State)
	}
}

func TestTracker_LocksLargestAreaFace(t *testing.T) {
	tr := newTestTracker(TrackerConfig{LockThresholdFrames: 1, FaceLostTimeoutFrames: 15, TrackingDistanceThreshold: 100})

	// The bigger, lower-confidence face wins: closest person takes
	// priority over a distant high-confidence one.
	ev := tr.Observe([]DetectedFace{
		face(300, 300, 20, 20, 0.99),
		face(50, 50, 100, 100, 0.70),
	})
	if ev.State != TrackLocked {
		t.Fatalf("expected lock, got %s", ev.State)
	}
	if ev.LockedFace.BBox.W != 100 {
		t.Errorf("expected largest face locked, got %+v", ev.LockedFace.BBox)
	}
}

func TestTracker_TracksClosestCandidate(t *testing.T) {
	tr := newTestTracker(TrackerConfig{LockThresholdFrames: 1, FaceLostTimeoutFrames: 15, TrackingDistanceThreshold: 100})

	tr.Observe([]DetectedFace{face(100, 100, 50, 50, 0.9)}) // lock at center (125,125)

	// A bigger face appears far away; the nearby one must keep the lock.
	ev := tr.Observe([]DetectedFace{
		face(400, 400, 120, 120, 0.95),
		face(110, 105, 50, 50, 0.85),
	})
	if ev.State != TrackTracking {
		t.Fatalf("expected locked_tracking, got %s", ev.State)
	}
	if ev.LockedFace == nil {
		t.Fatal("expected snapshot while tracking")
	}
	want := Rect{X: 110, Y: 105, W: 50, H: 50}
	if ev.LockedFace.BBox != want {
		t.Errorf("expected position updated to nearby face, got %+v", ev.LockedFace.BBox)
	}
}

func TestTracker_BeyondThresholdKeepsOldPosition(t *testing.T) {
	tr := newTestTracker(TrackerConfig{LockThresholdFrames: 1, FaceLostTimeoutFrames: 15, TrackingDistanceThreshold: 100})

	ev := tr.Observe([]DetectedFace{face(100, 100, 50, 50, 0.9)})
	lockedID := ev.LockedFace.ID

	// Candidate far beyond threshold: still tracking, position frozen.
	ev = tr.Observe([]DetectedFace{face(500, 500, 50, 50, 0.9)})
	if ev.State != TrackTracking {
		t.Fatalf("expected locked_tracking, got %s", ev.State)
	}
	if ev.LockedFace != nil {
		t.Error("expected no snapshot when candidate is beyond threshold")
	}

	locked := tr.Locked()
	if locked == nil || locked.ID != lockedID {
		t.Fatal("expected lock preserved")
	}
	if locked.Center != (Point{X: 125, Y: 125}) {
		t.Errorf("expected stale center preserved, got %+v", locked.Center)
	}
}

func TestTracker_LockClearedAfterTimeout(t *testing.T) {
	tr := newTestTracker(TrackerConfig{LockThresholdFrames: 3, FaceLostTimeoutFrames: 15, TrackingDistanceThreshold: 100})

	for i := 0; i < 3; i++ {
		tr.Observe([]DetectedFace{face(100, 100, 50, 50, 0.9)})
	}
	if !tr.IsLocked() {
		t.Fatal("expected lock after three frames")
	}
	lockedID := tr.Locked().ID

	// 14 empty frames: still optimistically tracking.
	for i := 0; i < 14; i++ {
		ev := tr.Observe(nil)
		if ev.State != TrackTracking {
			t.Fatalf("empty frame %d: expected locked_tracking, got %s", i+1, ev.State)
		}
	}
	if !tr.IsLocked() || tr.Locked().ID != lockedID {
		t.Fatal("lock should survive below the timeout")
	}

	// 15th empty frame abandons the lock.
	ev := tr.Observe(nil)
	if ev.State != TrackLost {
		t.Fatalf("expected face_lost, got %s", ev.State)
	}
	if tr.IsLocked() {
		t.Error("expected lock cleared")
	}
}

func TestTracker_MatchResetsLostCounter(t *testing.T) {
	tr := newTestTracker(TrackerConfig{LockThresholdFrames: 1, FaceLostTimeoutFrames: 5, TrackingDistanceThreshold: 100})

	tr.Observe([]DetectedFace{face(100, 100, 50, 50, 0.9)})
	lockedID := tr.Locked().ID

	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			tr.Observe(nil)
		}
		ev := tr.Observe([]DetectedFace{face(102, 101, 50, 50, 0.9)})
		if ev.State != TrackTracking {
			t.Fatalf("round %d: expected locked_tracking, got %s", round, ev.State)
		}
	}

	if !tr.IsLocked() || tr.Locked().ID != lockedID {
		t.Error("expected lock and identifier preserved across partial occlusions")
	}
}

func TestTracker_AtMostOneLock(t *testing.T) {
	tr := newTestTracker(TrackerConfig{LockThresholdFrames: 1, FaceLostTimeoutFrames: 15, TrackingDistanceThreshold: 100})

	tr.Observe([]DetectedFace{face(100, 100, 50, 50, 0.9)})
	firstID := tr.Locked().ID

	// Crowded frames never create a second identity.
	for i := 0; i < 20; i++ {
		tr.Observe([]DetectedFace{
			face(100, 100, 50, 50, 0.9),
			face(300, 300, 80, 80, 0.95),
			face(500, 100, 60, 60, 0.85),
		})
		if got := tr.Locked(); got == nil || got.ID != firstID {
			t.Fatalf("frame %d: lock identity changed", i)
		}
	}
}

func TestTracker_EndToEndScenario(t *testing.T) {
	tr := newTestTracker(TrackerConfig{LockThresholdFrames: 3, FaceLostTimeoutFrames: 15, TrackingDistanceThreshold: 100})

	// 20 empty frames: idle throughout.
	for i := 0; i < 20; i++ {
		ev := tr.Observe(nil)
		if ev.State != TrackIdle {
			t.Fatalf("warmup frame %d: expected idle, got %s", i, ev.State)
		}
	}

	// Three consecutive detections lock on the third.
	f := face(100, 100, 50, 50, 0.9)
	if ev := tr.Observe([]DetectedFace{f}); ev.State != TrackIdle {
		t.Fatalf("expected no lock after frame 1, got %s", ev.State)
	}
	if ev := tr.Observe([]DetectedFace{f}); ev.State != TrackIdle {
		t.Fatalf("expected no lock after frame 2, got %s", ev.State)
	}
	ev := tr.Observe([]DetectedFace{f})
	if ev.State != TrackLocked || ev.LockedFace == nil {
		t.Fatalf("expected lock on frame 3, got %s", ev.State)
	}
	if ev.LockedFace.BBox != (Rect{X: 100, Y: 100, W: 50, H: 50}) {
		t.Errorf("unexpected locked bbox %+v", ev.LockedFace.BBox)
	}

	// 10 empty frames: no loss yet.
	for i := 0; i < 10; i++ {
		ev = tr.Observe(nil)
		if ev.State != TrackTracking {
			t.Fatalf("empty frame %d: expected locked_tracking, got %s", i+1, ev.State)
		}
	}

	// 5 more empty frames reach the timeout.
	for i := 0; i < 4; i++ {
		tr.Observe(nil)
	}
	ev = tr.Observe(nil)
	if ev.State != TrackLost {
		t.Fatalf("expected face_lost at frame 15, got %s", ev.State)
	}
	if tr.IsLocked() {
		t.Error("expected identity cleared")
	}
}
