// Package observability holds the OpenTelemetry instruments shared by the
// event store and the projection engine. Instruments are created lazily
// from the global providers, so a process that never configures
// OpenTelemetry pays only for no-op instruments.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/iamcore/pkg/domain"
)

const instrumentationName = "github.com/plaenen/iamcore"

// Tracer returns the module's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

type instruments struct {
	eventsPushed    metric.Int64Counter
	commandsFailed  metric.Int64Counter
	eventsHandled   metric.Int64Counter
	handlerFailures metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	inst            instruments
)

func get() *instruments {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		inst.eventsPushed, _ = meter.Int64Counter("eventstore.events.pushed",
			metric.WithDescription("Events appended to the store"))
		inst.commandsFailed, _ = meter.Int64Counter("command.failures",
			metric.WithDescription("Commands that returned an error"))
		inst.eventsHandled, _ = meter.Int64Counter("projection.events.handled",
			metric.WithDescription("Events applied to a projection"))
		inst.handlerFailures, _ = meter.Int64Counter("projection.handler.failures",
			metric.WithDescription("Projection handler errors"))
	})
	return &inst
}

// RecordPushedEvents counts events appended for one instance.
func RecordPushedEvents(ctx context.Context, instanceID string, n int) {
	get().eventsPushed.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("instance_id", instanceID),
	))
}

// RecordCommandFailure counts a failed command execution.
func RecordCommandFailure(ctx context.Context, commandType string) {
	get().commandsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command_type", commandType),
	))
}

// RecordHandledEvent counts one event applied by a projection.
func RecordHandledEvent(ctx context.Context, projectionName string, event *domain.Event) {
	get().eventsHandled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projection", projectionName),
		attribute.String("event_type", string(event.Type)),
	))
}

// RecordHandlerFailure counts one projection handler error.
func RecordHandlerFailure(ctx context.Context, projectionName string, event *domain.Event) {
	get().handlerFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projection", projectionName),
		attribute.String("event_type", string(event.Type)),
	))
}
