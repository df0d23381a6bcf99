package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/brettdup/trainstate/internal/importer"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherOption configures optional behaviour for the Publisher.
type PublisherOption func(*Publisher)

// WithWriter overrides the Kafka writer, used by tests.
func WithWriter(writer messageWriter) PublisherOption {
	return func(p *Publisher) {
		p.writer = writer
	}
}

// WithPublisherLogger overrides the logger used to report delivery errors.
func WithPublisherLogger(logger *log.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// Publisher delivers lifecycle events to one Kafka topic, keyed by run so a
// consumer sees each run's signals in order. Delivery failures are logged
// and dropped: a lost progress tick must never fail an import.
type Publisher struct {
	writer messageWriter
	logger *log.Logger
}

// NewPublisher constructs a Publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Compression:  kafka.Snappy,
			Async:        false,
		},
		logger: log.New(log.Writer(), "[events] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ImportProgress publishes the committed-batch fraction.
func (p *Publisher) ImportProgress(ctx context.Context, runID string, fraction float64) {
	p.publish(ctx, TypeImportProgress, runID, ImportProgress{
		RunID:      runID,
		Fraction:   fraction,
		OccurredAt: time.Now().UTC(),
	})
}

// RoutingStarted publishes the one-shot routing signal.
func (p *Publisher) RoutingStarted(ctx context.Context, runID string, eligible int) {
	p.publish(ctx, TypeRoutingStarted, runID, RoutingStarted{
		RunID:      runID,
		Eligible:   eligible,
		OccurredAt: time.Now().UTC(),
	})
}

// RunCompleted publishes the terminal run summary.
func (p *Publisher) RunCompleted(ctx context.Context, stats importer.RunStats) {
	p.publish(ctx, TypeImportComplete, stats.RunID, ImportComplete{
		RunID:          stats.RunID,
		Candidates:     stats.Candidates,
		Accepted:       stats.Accepted,
		Skipped:        stats.Skipped,
		RoutesAttached: stats.RoutesAttached,
		Failed:         stats.Failed,
		Error:          stats.Error,
		StartedAt:      stats.StartedAt,
		FinishedAt:     stats.FinishedAt,
	})
}

// Close releases the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) publish(ctx context.Context, eventType, runID string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Printf("marshal %s: %v", eventType, err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(runID),
		Value: body,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}

	// The terminal event of a cancelled run still needs to go out, so
	// delivery is decoupled from the run's context.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		p.logger.Printf("publish %s: %v", eventType, err)
	}
}
