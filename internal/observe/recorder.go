package observe

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/normanking/reflexagent/internal/bus"
)

const meterName = "github.com/normanking/reflexagent"

// Recorder translates bus events into OpenTelemetry measurements. It is
// a pure observer: it subscribes, it never publishes.
type Recorder struct {
	stageLatency  metric.Float64Histogram
	conversations metric.Int64Counter
	greetings     metric.Int64Counter
	workerErrors  metric.Int64Counter
	faceEvents    metric.Int64Counter
	queueDepth    metric.Int64Gauge

	logger zerolog.Logger
}

// NewRecorder creates the instrument set on the globally registered
// meter provider.
func NewRecorder(logger zerolog.Logger) (*Recorder, error) {
	meter := otel.Meter(meterName)

	stageLatency, err := meter.Float64Histogram("reflexagent.stage.latency",
		metric.WithDescription("Per-stage processing latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}
	conversations, err := meter.Int64Counter("reflexagent.conversations",
		metric.WithDescription("Completed conversation turns"))
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation counter: %w", err)
	}
	greetings, err := meter.Int64Counter("reflexagent.greetings",
		metric.WithDescription("Greetings sent or skipped"))
	if err != nil {
		return nil, fmt.Errorf("failed to create greeting counter: %w", err)
	}
	workerErrors, err := meter.Int64Counter("reflexagent.worker.errors",
		metric.WithDescription("Stage worker errors"))
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}
	faceEvents, err := meter.Int64Counter("reflexagent.face.events",
		metric.WithDescription("Face lock lifecycle events"))
	if err != nil {
		return nil, fmt.Errorf("failed to create face counter: %w", err)
	}
	queueDepth, err := meter.Int64Gauge("reflexagent.queue.depth",
		metric.WithDescription("Current inter-stage queue depth"))
	if err != nil {
		return nil, fmt.Errorf("failed to create queue gauge: %w", err)
	}

	return &Recorder{
		stageLatency:  stageLatency,
		conversations: conversations,
		greetings:     greetings,
		workerErrors:  workerErrors,
		faceEvents:    faceEvents,
		queueDepth:    queueDepth,
		logger:        logger.With().Str("component", "recorder").Logger(),
	}, nil
}

// Attach subscribes the recorder to every event type it measures.
func (r *Recorder) Attach(b *bus.Bus) {
	b.SubscribeMultiple([]bus.EventType{
		bus.EventStageLatency,
		bus.EventConversationEnd,
		bus.EventGreetingSent,
		bus.EventGreetingSkipped,
		bus.EventWorkerError,
		bus.EventQueueDepth,
		bus.EventFaceDetected,
		bus.EventFaceLocked,
		bus.EventFaceLost,
		bus.EventAgentReset,
		bus.EventVisionFallback,
	}, r.handle)
}

func (r *Recorder) handle(e bus.Event) {
	ctx := context.Background()
	switch e.Type {
	case bus.EventStageLatency:
		r.stageLatency.Record(ctx, e.Latency.Seconds(),
			metric.WithAttributes(attribute.String("stage", e.Stage)))
	case bus.EventConversationEnd:
		r.conversations.Add(ctx, 1)
	case bus.EventGreetingSent:
		r.greetings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "sent")))
	case bus.EventGreetingSkipped:
		r.greetings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "skipped")))
	case bus.EventWorkerError:
		r.workerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", e.Stage)))
	case bus.EventQueueDepth:
		r.queueDepth.Record(ctx, int64(e.Depth),
			metric.WithAttributes(attribute.String("queue", e.Stage)))
	case bus.EventFaceDetected, bus.EventFaceLocked, bus.EventFaceLost,
		bus.EventAgentReset, bus.EventVisionFallback:
		r.faceEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(e.Type))))
	}
}
