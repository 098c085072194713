// Package events announces terminal video job transitions on an AMQP topic
// exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/albinc92/grok-bud/pkg/domain"
)

const (
	DefaultExchange = "grokbud.events"
	eventVersion    = "1"
)

// Publisher publishes job events.
type Publisher interface {
	PublishJob(ctx context.Context, job domain.VideoJob) error
	Close() error
}

// Envelope wraps every published payload.
type Envelope struct {
	Type          string    `json:"type"`
	Version       string    `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
	Payload       any       `json:"payload"`
}

// RoutingKey returns video_job.<status>.
func RoutingKey(job domain.VideoJob) string {
	return "video_job." + string(job.Status)
}

// NewJobEnvelope builds the message body for job.
func NewJobEnvelope(job domain.VideoJob, now time.Time) Envelope {
	return Envelope{
		Type:          RoutingKey(job),
		Version:       eventVersion,
		OccurredAt:    now.UTC(),
		CorrelationID: job.ID,
		Payload:       job,
	}
}

// AMQPPublisher publishes to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPPublisher dials url and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) PublishJob(ctx context.Context, job domain.VideoJob) error {
	body, err := json.Marshal(NewJobEnvelope(job, time.Now()))
	if err != nil {
		return fmt.Errorf("encode job event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(job), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: job.ID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

// JobListener adapts a Publisher to a job update callback. Publish errors
// are logged.
func JobListener(pub Publisher, timeout time.Duration, logger *slog.Logger) func(domain.VideoJob) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(job domain.VideoJob) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := pub.PublishJob(ctx, job); err != nil {
			logger.Warn("publish job event failed", "job_id", job.ID, "status", job.Status, "err", err)
		}
	}
}
