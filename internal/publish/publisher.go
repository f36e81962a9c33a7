// Package publish forwards terminal settlement receipts to NATS JetStream
// for downstream consumers. Publishing is best effort: the settlement log is
// the source of truth and a dropped event never fails an attempt.
package publish

import (
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/orchestrator"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName    = "HEDGE_SETTLEMENTS"
	SubjectPrefix = "hedge.settlements"
)

// JetStream is the publishing half of jetstream.JetStream.
type JetStream interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Event is the wire form of a settlement receipt.
type Event struct {
	Receipt     *orchestrator.Receipt `json:"receipt"`
	PublishedAt time.Time             `json:"published_at"`
}

// Publisher implements orchestrator.EventSink. Emit never blocks; Run drains
// the queue until ctx is done or Close is called.
type Publisher struct {
	js      JetStream
	queue   chan *orchestrator.Receipt
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewPublisher(js JetStream, queueSize int, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Publisher{
		js:      js,
		queue:   make(chan *orchestrator.Receipt, queueSize),
		metrics: metrics,
		logger:  logger,
	}
}

// Emit queues r, dropping it if the queue is full.
func (p *Publisher) Emit(r *orchestrator.Receipt) {
	select {
	case p.queue <- r:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.logger.Warn().Str("attempt_id", r.AttemptID.String()).Msg("publish queue full, settlement event dropped")
	}
}

// Close stops accepting events; Run returns once the queue is drained.
func (p *Publisher) Close() {
	close(p.queue)
}

// Run starts the publisher loop.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-p.queue:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, r); err != nil {
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
				p.logger.Warn().Err(err).Str("attempt_id", r.AttemptID.String()).Msg("settlement publish failed")
			}
		}
	}
}

// Subject is hedge.settlements.{mode}.{state}.
func Subject(r *orchestrator.Receipt) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, r.Mode, r.State)
}

func (p *Publisher) publish(ctx context.Context, r *orchestrator.Receipt) error {
	data, err := json.Marshal(Event{Receipt: r, PublishedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// The attempt id doubles as the JetStream dedup key.
	_, err = p.js.Publish(pubCtx, Subject(r), data, jetstream.WithMsgID(r.AttemptID.String()))
	return err
}

// EnsureStream creates or updates the settlement events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create settlement stream: %w", err)
	}
	logger.Info().Str("stream", StreamName).Msg("ensured settlement stream")
	return nil
}

// Connect dials NATS with unlimited reconnects and opens JetStream.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("hedgeledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
