package pipeline

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/reflexagent/internal/agent"
	"github.com/normanking/reflexagent/internal/bus"
	"github.com/normanking/reflexagent/internal/queue"
	"github.com/normanking/reflexagent/internal/vision"
)

type fakeGate struct {
	pauses  int
	resumes int
}

func (g *fakeGate) Pause()  { g.pauses++ }
func (g *fakeGate) Resume() { g.resumes++ }

type monitorFixture struct {
	monitor     *VisionMonitor
	machine     *agent.Machine
	events      *queue.Queue[vision.Event]
	transcripts *queue.Queue[Message]
	gate        *fakeGate
	clock       time.Time
	resets      int
}

func newMonitorFixture(t *testing.T, transcriptCap int) *monitorFixture {
	t.Helper()
	f := &monitorFixture{
		machine:     agent.NewMachine(zerolog.Nop()),
		events:      queue.New[vision.Event](10),
		transcripts: queue.New[Message](transcriptCap),
		gate:        &fakeGate{},
		clock:       time.Unix(1000, 0),
	}
	cfg := DefaultVisionMonitorConfig()
	f.monitor = NewVisionMonitor(cfg, f.events, f.transcripts, f.machine, f.gate, bus.New(),
		func() { f.resets++ }, zerolog.Nop())
	f.monitor.now = func() time.Time { return f.clock }
	f.monitor.sleep = func(time.Duration) {}
	return f
}

func lockedEvent(id int64) vision.Event {
	return vision.Event{
		Timestamp:     time.Now(),
		FacesDetected: 1,
		State:         vision.TrackLocked,
		LockedFace: &vision.LockedFace{
			ID:         id,
			BBox:       vision.Rect{X: 100, Y: 100, W: 50, H: 50},
			Center:     vision.Point{X: 125, Y: 125},
			Confidence: 0.9,
		},
	}
}

func TestVisionMonitor_LockInGreetsAndListens(t *testing.T) {
	f := newMonitorFixture(t, 10)

	f.monitor.dispatch(lockedEvent(42))

	assert.Equal(t, agent.StateListening, f.machine.Current())
	assert.True(t, f.machine.IsLocked())
	assert.Equal(t, 1, f.gate.resumes)

	msg, err := f.transcripts.Get(0)
	require.NoError(t, err)
	assert.Equal(t, KindTranscript, msg.Kind)
	assert.Equal(t, SourceVisionTrigger, msg.Source)
	assert.Equal(t, DefaultVisionMonitorConfig().GreetingMessage, msg.Text)
}

func TestVisionMonitor_GreetingCooldown(t *testing.T) {
	f := newMonitorFixture(t, 10)

	// t=0: first greeting enqueues.
	f.monitor.dispatch(lockedEvent(1))
	require.Equal(t, 1, f.transcripts.Len())

	// Reset agent as if the face was lost, then re-lock within cooldown.
	f.machine.Reset()
	f.machine.Unlock()
	f.clock = f.clock.Add(5 * time.Second)
	f.monitor.dispatch(lockedEvent(2))
	assert.Equal(t, 1, f.transcripts.Len(), "second greeting within cooldown must be skipped")

	// Past cooldown a third lock greets again.
	f.machine.Reset()
	f.machine.Unlock()
	f.clock = f.clock.Add(6 * time.Second) // t=11s since first greeting
	f.monitor.dispatch(lockedEvent(3))
	assert.Equal(t, 2, f.transcripts.Len())
}

func TestVisionMonitor_ApplyTunablesTakesEffectLive(t *testing.T) {
	f := newMonitorFixture(t, 10)

	// t=0: first greeting enqueues; default 10s cooldown would block a
	// re-lock at t=3.
	f.monitor.dispatch(lockedEvent(1))
	require.Equal(t, 1, f.transcripts.Len())

	f.monitor.ApplyTunables(2*time.Second, 500*time.Millisecond)

	f.machine.Reset()
	f.machine.Unlock()
	f.clock = f.clock.Add(3 * time.Second)
	f.monitor.dispatch(lockedEvent(2))
	assert.Equal(t, 2, f.transcripts.Len(), "shortened cooldown must allow the second greeting")

	// The new settle delay governs the next face loss.
	var slept time.Duration
	f.monitor.sleep = func(d time.Duration) { slept = d }
	f.monitor.dispatch(vision.Event{State: vision.TrackLost})
	assert.Equal(t, 500*time.Millisecond, slept)

	// Zero values leave the settings untouched.
	f.monitor.ApplyTunables(0, 0)
	f.monitor.mu.Lock()
	assert.Equal(t, 2*time.Second, f.monitor.cooldown)
	assert.Equal(t, 500*time.Millisecond, f.monitor.settle)
	f.monitor.mu.Unlock()
}

func TestVisionMonitor_GreetingDroppedOnFullQueueKeepsLockedIn(t *testing.T) {
	f := newMonitorFixture(t, 1)
	require.NoError(t, f.transcripts.PutNoWait(NewTranscript("filler", SourceSpeech, time.Time{})))

	f.monitor.dispatch(lockedEvent(7))

	// Enqueue failed, so the machine stays in LOCKED_IN and a later
	// event can retry the greeting.
	assert.Equal(t, agent.StateLockedIn, f.machine.Current())
	assert.Equal(t, 0, f.gate.resumes)
	assert.Equal(t, 1, f.transcripts.Len())
}

func TestVisionMonitor_FaceLostPausesSettlesAndResets(t *testing.T) {
	f := newMonitorFixture(t, 10)
	f.monitor.dispatch(lockedEvent(9))
	require.Equal(t, agent.StateListening, f.machine.Current())

	var slept time.Duration
	f.monitor.sleep = func(d time.Duration) { slept = d }

	f.monitor.dispatch(vision.Event{State: vision.TrackLost})

	assert.Equal(t, agent.StateIdle, f.machine.Current())
	assert.False(t, f.machine.IsLocked())
	assert.Equal(t, 1, f.gate.pauses)
	assert.Equal(t, DefaultVisionMonitorConfig().SettleDelay, slept)
	assert.Equal(t, 1, f.resets)
}

func TestVisionMonitor_SteadyStateEventsIgnored(t *testing.T) {
	f := newMonitorFixture(t, 10)
	f.monitor.dispatch(lockedEvent(1))
	require.Equal(t, agent.StateListening, f.machine.Current())

	// Continued tracking of the locked face changes nothing.
	f.monitor.dispatch(vision.Event{State: vision.TrackTracking, LockedFace: lockedEvent(1).LockedFace})
	assert.Equal(t, agent.StateListening, f.machine.Current())
	assert.Equal(t, 1, f.transcripts.Len())
}

func TestVisionMonitor_DisabledIgnoresEvents(t *testing.T) {
	f := newMonitorFixture(t, 10)
	f.monitor.Disable()

	require.NoError(t, f.monitor.Start())
	defer f.monitor.Stop(time.Second)

	require.NoError(t, f.events.PutNoWait(lockedEvent(5)))

	assert.Eventually(t, func() bool { return f.events.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, agent.StateIdle, f.machine.Current())
	assert.Equal(t, 0, f.transcripts.Len())
}

func TestVisionMonitor_LoopConsumesQueuedEvents(t *testing.T) {
	f := newMonitorFixture(t, 10)
	f.monitor.sleep = func(time.Duration) {}

	require.NoError(t, f.monitor.Start())
	defer f.monitor.Stop(time.Second)

	require.NoError(t, f.events.PutNoWait(lockedEvent(11)))

	assert.Eventually(t, func() bool {
		return f.machine.Current() == agent.StateListening
	}, 2*time.Second, 10*time.Millisecond)
}
