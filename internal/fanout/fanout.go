// Package fanout publishes matched pushes to an NSQ topic so other services
// can react to them, and reads them back for the tail command.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pushtrigger/internal/effects"
	"github.com/austindbirch/pushtrigger/internal/logging"
	"github.com/austindbirch/pushtrigger/internal/tracing"
)

const (
	Name         = "fanout"
	EnvelopeType = "push.matched"
)

// Envelope is the message body published for every matched push
type Envelope struct {
	Type          string            `json:"type"`    // "push.matched"
	Version       string            `json:"version"` // schema version
	TriggerID     string            `json:"trigger_id"`
	EventType     string            `json:"event_type"`
	Ref           string            `json:"ref"`
	Branch        string            `json:"branch"`
	Task          string            `json:"task"`
	Repository    string            `json:"repository"`
	Author        string            `json:"author"`
	CommitMessage string            `json:"commit_message"`
	ReceivedAt    string            `json:"received_at"`  // RFC3339
	PublishedAt   string            `json:"published_at"` // RFC3339
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"`
}

func NewEnvelope(t effects.Trigger, publishedAt time.Time, traceHeaders map[string]string) Envelope {
	return Envelope{
		Type:          EnvelopeType,
		Version:       "v1",
		TriggerID:     t.ID,
		EventType:     t.EventType,
		Ref:           t.Facts.Ref,
		Branch:        t.Config.TargetBranch,
		Task:          t.Config.TargetTaskName,
		Repository:    t.Facts.RepositoryName,
		Author:        t.Facts.AuthorName,
		CommitMessage: t.Facts.CommitMessage,
		ReceivedAt:    t.ReceivedAt.UTC().Format(time.RFC3339),
		PublishedAt:   publishedAt.UTC().Format(time.RFC3339),
		TraceHeaders:  traceHeaders,
	}
}

// Decode parses an envelope and returns ctx carrying its trace context
func Decode(ctx context.Context, body []byte) (context.Context, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ctx, env, fmt.Errorf("fanout: decode envelope: %w", err)
	}
	if env.Type != EnvelopeType {
		return ctx, env, fmt.Errorf("fanout: unexpected envelope type %q", env.Type)
	}
	return tracing.ExtractHeaders(ctx, env.TraceHeaders), env, nil
}

// Producer is the publishing half of *nsq.Producer
type Producer interface {
	Publish(topic string, body []byte) error
}

// NewProducer connects a producer to nsqd and checks it is reachable
func NewProducer(nsqdAddr string) (*nsq.Producer, error) {
	prod, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	if err := prod.Ping(); err != nil {
		prod.Stop()
		return nil, fmt.Errorf("nsq ping %s: %w", nsqdAddr, err)
	}
	return prod, nil
}

// Publisher is the effect that publishes envelopes
type Publisher struct {
	producer Producer
	topic    string
	now      func() time.Time
	logger   *logging.Logger
}

func NewPublisher(p Producer, topic string, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher{producer: p, topic: topic, now: time.Now, logger: logger}
}

func (p *Publisher) Name() string { return Name }

func (p *Publisher) Enabled(effects.Trigger) bool { return true }

func (p *Publisher) Run(ctx context.Context, t effects.Trigger) error {
	ctx, span := tracing.StartSpan(ctx, "effect.fanout",
		attribute.String("trigger.id", t.ID),
		attribute.String("nsq.topic", p.topic),
	)
	defer span.End()

	env := NewEnvelope(t, p.now(), tracing.InjectHeaders(ctx))
	b, err := json.Marshal(env)
	if err != nil {
		err = fmt.Errorf("fanout: encode envelope: %w", err)
		tracing.SetSpanError(ctx, err)
		return err
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		err = fmt.Errorf("fanout: publish to %s: %w", p.topic, err)
		tracing.SetSpanError(ctx, err)
		return err
	}

	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", p.topic))
	p.logger.WithContext(ctx).WithTrigger(t.ID).WithField("topic", p.topic).Debug("push published")
	return nil
}

// HandlerFunc receives each decoded envelope
type HandlerFunc func(ctx context.Context, env Envelope) error

// Handler adapts fn to an NSQ handler. Undecodable messages are finished
// without retry.
func Handler(logger *logging.Logger, fn HandlerFunc) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		ctx, env, err := Decode(context.Background(), m.Body)
		if err != nil {
			logger.Plain().WithError(err).Error("bad fanout message")
			return nil
		}
		ctx, span := tracing.StartSpan(ctx, "fanout.consume", attribute.String("trigger.id", env.TriggerID))
		defer span.End()
		return fn(ctx, env)
	})
}

// Subscribe consumes topic on channel from nsqd until ctx ends
func Subscribe(ctx context.Context, nsqdAddr, topic, channel string, h nsq.Handler) error {
	consumer, err := nsq.NewConsumer(topic, channel, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(h)

	if err := consumer.ConnectToNSQD(nsqdAddr); err != nil {
		consumer.Stop()
		return fmt.Errorf("connect to nsqd %s: %w", nsqdAddr, err)
	}

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return nil
}

var _ effects.Effect = (*Publisher)(nil)
