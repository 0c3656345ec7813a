// Package vision provides frame acquisition, face detection and the
// single-identity face lock policy that drives the reflex agent.
package vision

import (
	"errors"
	"math"
	"time"
)

// Common errors
var (
	ErrSourceUnavailable   = errors.New("frame source unavailable")
	ErrDetectorUnavailable = errors.New("detector unavailable")
)

// Point is a pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Distance returns the Euclidean distance to another point.
func (p Point) Distance(o Point) float64 {
	dx := float64(p.X - o.X)
	dy := float64(p.Y - o.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

// Rect is a bounding box in pixel coordinates.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Center returns the box center point.
func (r Rect) Center() Point {
	return Point{X: r.X + r.W/2, Y: r.Y + r.H/2}
}

// Area returns the box area.
func (r Rect) Area() int {
	return r.W * r.H
}

// DetectedFace is one face reported by the detector for a single frame.
// Faces carry no identity; they are superseded by the next frame.
type DetectedFace struct {
	BBox       Rect    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// Center returns the face center.
func (f DetectedFace) Center() Point {
	return f.BBox.Center()
}

// Area returns the bounding box area, used to pick the closest person.
func (f DetectedFace) Area() int {
	return f.BBox.Area()
}

// Frame is a captured camera image.
type Frame struct {
	Data      []byte    `json:"-"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    string    `json:"format"` // jpeg
	Timestamp time.Time `json:"timestamp"`
}

// TrackState tags the tracker's per-frame decision.
type TrackState string

const (
	TrackIdle     TrackState = "idle"            // no lock, no qualifying face
	TrackLocked   TrackState = "face_locked"     // lock established this frame
	TrackTracking TrackState = "locked_tracking" // lock held
	TrackLost     TrackState = "face_lost"       // lock abandoned this frame
)

// LockedFace is a snapshot of the tracker's locked identity.
type LockedFace struct {
	ID         int64   `json:"id"`
	BBox       Rect    `json:"bbox"`
	Center     Point   `json:"center"`
	Confidence float64 `json:"confidence"`
}

// Event is the immutable per-frame message from the tracker to the
// orchestrator. LockedFace is nil unless a lock exists and was matched
// or established this frame.
type Event struct {
	Timestamp     time.Time   `json:"timestamp"`
	FacesDetected int         `json:"faces_detected"`
	State         TrackState  `json:"state"`
	LockedFace    *LockedFace `json:"locked_face,omitempty"`
}

// FrameSource produces camera frames. NextFrame returns nil for a
// transient failure; callers treat that as an empty frame.
type FrameSource interface {
	NextFrame() *Frame
	Close() error
}

// Detector finds faces in a frame. Implementations may fail per call;
// the worker absorbs errors as "no faces this frame".
type Detector interface {
	Detect(frame *Frame) ([]DetectedFace, error)
}
