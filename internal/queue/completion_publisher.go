package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/callstate"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// CompletionPublisher fans out terminal call attempts. It registers on the
// state machine as a completion handler; publish failures are logged, never
// propagated, since the in-process pipeline must not stall on the broker.
type CompletionPublisher struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewCompletionPublisher constructs a publisher for the completions topic.
func NewCompletionPublisher(k *Kafka, topic string, log *logger.Logger) *CompletionPublisher {
	return &CompletionPublisher{
		writer: k.NewWriter(topic),
		log:    log.Named("completions"),
	}
}

// HandleCompletion publishes the terminal attempt. Matches the state
// machine's completion handler signature.
func (p *CompletionPublisher) HandleCompletion(ctx context.Context, comp callstate.Completion) {
	msg := CompletionMessage{
		CallID:      comp.Attempt.ID,
		CampaignID:  comp.Attempt.CampaignID,
		ProspectID:  comp.Attempt.ProspectID,
		PhoneNumber: comp.Attempt.PhoneNumber,
		Status:      comp.Attempt.Status,
		Outcome:     comp.Outcome,
		AttemptNum:  comp.Attempt.AttemptNum,
		DurationMs:  comp.Attempt.Duration.Milliseconds(),
		Error:       comp.Attempt.LastError,
		EndedAt:     comp.Attempt.EndedAt,
	}

	value, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("marshal completion", zap.Error(err))
		return
	}
	record := kafka.Message{
		Key:   msg.CallID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		p.log.Error("publish completion",
			zap.String("call_id", msg.CallID.String()), zap.Error(err))
	}
}

// Publish emits the message directly, for callers outside the completion
// pipeline.
func (p *CompletionPublisher) Publish(ctx context.Context, msg CompletionMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("completion publisher: marshal: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   msg.CallID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("completion publisher: write: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *CompletionPublisher) Close() error {
	return p.writer.Close()
}
