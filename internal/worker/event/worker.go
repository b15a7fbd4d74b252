// Package event consumes telephony callbacks from Kafka and applies them to
// the call state machine.
package event

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/app"
	"github.com/acme/campaign-dialer/internal/queue"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

// Worker drains the call-events topic. Messages are keyed by call id, so one
// partition carries a given call's events in provider order.
type Worker struct {
	container *app.Container
}

// New creates a new event worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run processes call events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	groupID := cfg.Kafka.ConsumerGroupID + "-events"
	reader := w.container.Kafka.NewReader(cfg.Kafka.CallEventsTopic, groupID)
	defer reader.Close()

	pipe := w.container.Pipeline()
	machine := pipe.Machine
	log := w.container.Logger.Named("eventworker")
	tracer := otel.Tracer("dialer.eventworker")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("fetch", zap.Error(err))
			continue
		}

		var evt queue.CallEventMessage
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Error("unmarshal", zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		sctx, span := tracer.Start(ctx, "call.event", trace.WithAttributes(
			attribute.String("call.id", evt.CallID.String()),
			attribute.String("campaign.id", evt.CampaignID.String()),
			attribute.String("event.type", string(evt.Type)),
		))

		_, err = machine.Apply(sctx, evt.CallID, evt.Event())
		if err == nil {
			if evt.RevenueCents > 0 && evt.CampaignID != uuid.Nil {
				pipe.Aggregator.AddRevenue(evt.CampaignID, evt.RevenueCents)
			}
		} else {
			span.RecordError(err)
			switch {
			case errors.Is(err, apperrors.ErrIllegalTransition):
				// duplicate or out-of-order callback; drop it
				log.Warn("illegal transition",
					zap.String("call_id", evt.CallID.String()),
					zap.String("event", string(evt.Type)), zap.Error(err))
			case errors.Is(err, apperrors.ErrNotFound):
				log.Warn("event for unknown call",
					zap.String("call_id", evt.CallID.String()), zap.Error(err))
			default:
				log.Error("apply event",
					zap.String("call_id", evt.CallID.String()), zap.Error(err))
			}
		}

		if err := reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			log.Error("commit", zap.Error(err))
		}
		span.End()
	}
}
