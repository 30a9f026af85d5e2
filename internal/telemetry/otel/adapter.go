package otel

import (
	"context"
	"strconv"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"sessioncore/internal/telemetry"
)

const instrumentationName = "sessioncore/internal/telemetry"

// recordEmitter is the part of otellog.Logger the emitter uses.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return telemetry.Nop{}
	}
	return &otelEmitter{logger: provider.Logger(instrumentationName)}
}

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the event to an OTel log record. The body is the event type; ids become attributes.
func (e *otelEmitter) Emit(ctx context.Context, event telemetry.Event) error {
	rec := otellog.Record{}
	ts := event.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetSeverityText("INFO")
	rec.SetBody(otellog.StringValue(string(event.Type)))
	rec.AddAttributes(otellog.String("event_type", string(event.Type)))
	for _, a := range []struct {
		key string
		id  uint64
	}{
		{"user_id", event.UserID},
		{"session_id", event.SessionID},
		{"token_id", event.TokenID},
		{"previous_token_id", event.PreviousTokenID},
	} {
		if a.id != 0 {
			rec.AddAttributes(otellog.String(a.key, strconv.FormatUint(a.id, 10)))
		}
	}
	e.logger.Emit(ctx, rec)
	return nil
}
