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

type fakeFallbackSpeech struct {
	forced int
}

func (f *fakeFallbackSpeech) ForceAlwaysListen() { f.forced++ }

func newWatchdogFixture(t *testing.T, grace time.Duration) (*Watchdog, *agent.Machine, *fakeFallbackSpeech, *queue.Queue[Message]) {
	t.Helper()
	machine := agent.NewMachine(zerolog.Nop())
	speechQ := queue.New[Message](10)
	speech := &fakeFallbackSpeech{}
	monitor := NewVisionMonitor(DefaultVisionMonitorConfig(),
		queue.New[vision.Event](10), queue.New[Message](10), machine, &fakeGate{}, bus.New(), nil, zerolog.Nop())

	cfg := DefaultWatchdogConfig()
	cfg.GracePeriod = grace
	wd := NewWatchdog(cfg, machine, monitor, speech, speechQ, bus.New(), zerolog.Nop())
	return wd, machine, speech, speechQ
}

func TestWatchdog_FiresWhenStillIdle(t *testing.T) {
	wd, _, speech, speechQ := newWatchdogFixture(t, 20*time.Millisecond)

	wd.Start()
	defer wd.Stop()

	assert.Eventually(t, func() bool { return speechQ.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, speech.forced)

	msg, err := speechQ.Get(0)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind)
	assert.Equal(t, SourceSystem, msg.Source)
}

func TestWatchdog_RetiresWhenFaceWasLocked(t *testing.T) {
	wd, machine, speech, speechQ := newWatchdogFixture(t, 20*time.Millisecond)

	require.NoError(t, machine.Transition(agent.StateFaceDetected, "test"))
	require.NoError(t, machine.Transition(agent.StateLockedIn, "test"))

	wd.Start()
	time.Sleep(100 * time.Millisecond)
	wd.Stop()

	assert.Equal(t, 0, speech.forced)
	assert.Equal(t, 0, speechQ.Len())
}

func TestWatchdog_TriggerFallbackIdempotent(t *testing.T) {
	wd, _, speech, speechQ := newWatchdogFixture(t, time.Hour)

	wd.TriggerFallback("first")
	wd.TriggerFallback("second")
	wd.TriggerFallback("third")

	assert.Equal(t, 1, speech.forced, "speech must be force-resumed exactly once")
	assert.Equal(t, 1, speechQ.Len(), "announcement must be spoken exactly once")
}

func TestWatchdog_StopDisarmsTimer(t *testing.T) {
	wd, _, speech, _ := newWatchdogFixture(t, 50*time.Millisecond)

	wd.Start()
	wd.Stop()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, speech.forced)
}

func TestWatchdog_EmptyAnnouncementSkipsSpeech(t *testing.T) {
	machine := agent.NewMachine(zerolog.Nop())
	speechQ := queue.New[Message](10)
	monitor := NewVisionMonitor(DefaultVisionMonitorConfig(),
		queue.New[vision.Event](10), queue.New[Message](10), machine, &fakeGate{}, bus.New(), nil, zerolog.Nop())

	cfg := DefaultWatchdogConfig()
	cfg.Announcement = ""
	wd := NewWatchdog(cfg, machine, monitor, &fakeFallbackSpeech{}, speechQ, bus.New(), zerolog.Nop())

	wd.TriggerFallback("vision disabled by configuration")
	assert.Equal(t, 0, speechQ.Len())
}
