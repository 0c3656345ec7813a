package vision

import (
	"time"

	"github.com/rs/zerolog"
)

// TrackerConfig tunes the lock policy.
type TrackerConfig struct {
	// LockThresholdFrames is the number of consecutive frames with at
	// least one face required before locking (debounce).
	LockThresholdFrames int
	// FaceLostTimeoutFrames is the number of consecutive empty frames
	// after which a lock is abandoned.
	FaceLostTimeoutFrames int
	// TrackingDistanceThreshold is the max pixel distance between the
	// locked center and a candidate for the position to update.
	TrackingDistanceThreshold float64
}

// DefaultTrackerConfig returns the tuning used on the device.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		LockThresholdFrames:       3,
		FaceLostTimeoutFrames:     15,
		TrackingDistanceThreshold: 100,
	}
}

// Tracker turns per-frame face lists into a stable single-identity
// decision. At most one lock exists at a time. Not safe for concurrent
// use; it is owned by the vision worker goroutine.
type Tracker struct {
	config TrackerConfig
	logger zerolog.Logger

	locked            *LockedFace
	framesWithFace    int
	framesWithoutFace int

	now func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(config TrackerConfig, logger zerolog.Logger) *Tracker {
	if config.LockThresholdFrames <= 0 {
		config.LockThresholdFrames = 3
	}
	if config.FaceLostTimeoutFrames <= 0 {
		config.FaceLostTimeoutFrames = 15
	}
	if config.TrackingDistanceThreshold <= 0 {
		config.TrackingDistanceThreshold = 100
	}
	return &Tracker{
		config: config,
		logger: logger.With().Str("component", "tracker").Logger(),
		now:    time.Now,
	}
}

// Observe consumes one frame's detections and returns the resulting event.
//
// Lock selection is largest-area-first (the closest person wins over a
// merely higher-confidence distant face). While locked, the candidate
// closest to the last known center wins; if even that candidate is beyond
// TrackingDistanceThreshold the lock is kept at its old position and the
// empty-frame timeout remains the only abandonment path. That means a
// lock can sit on a stale position until the timeout fires; the behavior
// is deliberate, favoring lock stability over responsiveness.
func (t *Tracker) Observe(faces []DetectedFace) Event {
	event := Event{
		Timestamp:     t.now(),
		FacesDetected: len(faces),
		State:         TrackIdle,
	}

	if len(faces) == 0 {
		t.framesWithoutFace++
		t.framesWithFace = 0

		if t.locked != nil {
			if t.framesWithoutFace >= t.config.FaceLostTimeoutFrames {
				t.logger.Info().
					Int("frames_without_face", t.framesWithoutFace).
					Int64("face_id", t.locked.ID).
					Msg("Face lost, unlocking")
				t.locked = nil
				event.State = TrackLost
			} else {
				// Optimistic continuation through brief occlusion.
				event.State = TrackTracking
			}
		}
		return event
	}

	t.framesWithFace++
	t.framesWithoutFace = 0

	if t.locked == nil {
		if t.framesWithFace < t.config.LockThresholdFrames {
			return event
		}

		largest := faces[0]
		for _, f := range faces[1:] {
			if f.Area() > largest.Area() {
				largest = f
			}
		}

		t.locked = &LockedFace{
			ID:         t.now().UnixNano(),
			BBox:       largest.BBox,
			Center:     largest.Center(),
			Confidence: largest.Confidence,
		}
		t.logger.Info().
			Int64("face_id", t.locked.ID).
			Interface("center", t.locked.Center).
			Float64("confidence", t.locked.Confidence).
			Msg("Locked onto new face")

		event.State = TrackLocked
		event.LockedFace = t.snapshot()
		return event
	}

	// Track the existing lock: nearest candidate to the last known center.
	closest := faces[0]
	minDist := t.locked.Center.Distance(closest.Center())
	for _, f := range faces[1:] {
		if d := t.locked.Center.Distance(f.Center()); d < minDist {
			minDist = d
			closest = f
		}
	}

	if minDist < t.config.TrackingDistanceThreshold {
		t.locked.BBox = closest.BBox
		t.locked.Center = closest.Center()
		t.locked.Confidence = closest.Confidence
		event.State = TrackTracking
		event.LockedFace = t.snapshot()
	} else {
		t.logger.Debug().Float64("distance", minDist).Msg("Locked face moved beyond tracking threshold")
		event.State = TrackTracking
	}
	return event
}

// snapshot copies the locked face for the event payload.
func (t *Tracker) snapshot() *LockedFace {
	if t.locked == nil {
		return nil
	}
	lf := *t.locked
	return &lf
}

// Locked returns a copy of the current lock, or nil.
func (t *Tracker) Locked() *LockedFace {
	return t.snapshot()
}

// IsLocked reports whether a lock exists.
func (t *Tracker) IsLocked() bool {
	return t.locked != nil
}
