// Package eventbus wraps segmentio/kafka-go for the BPMN-style variant of
// the Inbound Server (§4.H, last paragraph): 0200/0400 requests are
// published onto a workflow topic and correlated against the engine's
// eventual reply by trace number, the same Reader/Writer split the
// teacher's producer/consumer pair uses for its transaction topic.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Envelope wraps one correlated workflow message. CorrelationID lets a
// consumer match a reply to a request even if Trace were ever reused
// across workflow instances; Trace is what the Callback map in
// server.BPMNHandler actually keys its TTL entries by, per §4.H.
type Envelope struct {
	CorrelationID string          `json:"correlationId"`
	Trace         string          `json:"trace"`
	MTI           string          `json:"mti"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"publishedAt"`
}

// Bus publishes requests to, and consumes replies from, the workflow
// engine's Kafka topics.
type Bus struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

// Config binds the broker/topic settings.
type Config struct {
	Brokers      []string
	RequestTopic string
	ReplyTopic   string
}

// New builds a Bus whose writer targets RequestTopic with the same
// load-distributing, low-latency-batching settings the teacher's producer
// configures, and whose reader tails ReplyTopic from the latest offset the
// way the teacher's consumer does — this module does not need replay of a
// workflow engine's past replies, only the ones from here forward.
func New(cfg Config) *Bus {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.RequestTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.ReplyTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  100 * time.Millisecond,
	})
	reader.SetOffset(kafka.LastOffset)

	return &Bus{writer: writer, reader: reader}
}

// Publish sends a workflow request envelope keyed by trace for partition
// affinity, mirroring the teacher's per-message key (`txn-%d`) used for
// ordering within a partition.
func (b *Bus) Publish(ctx context.Context, trace, mti string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload: %w", err)
	}

	env := Envelope{
		CorrelationID: uuid.NewString(),
		Trace:         trace,
		MTI:           mti,
		Payload:       body,
		PublishedAt:   time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(trace),
		Value: data,
		Time:  env.PublishedAt,
	})
}

// ReplyHandler is invoked for every workflow-engine reply this Bus reads.
type ReplyHandler func(env Envelope)

// Consume reads workflow replies until ctx is canceled, invoking handler
// for each one. Run it in its own goroutine, the way the teacher runs
// readMessages in main's goroutine pool.
func (b *Bus) Consume(ctx context.Context, handler ReplyHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("eventbus: read error: %v", err)
			continue
		}

		if err := decodeReply(msg.Value, handler); err != nil {
			log.Printf("eventbus: dropping undecodable reply: %v", err)
		}
	}
}

// decodeReply unmarshals one reply message and invokes handler, separated
// out from Consume's read loop so it can be exercised without a live
// broker: the decode-or-drop decision and the wire format it decodes are
// what's worth testing, not kafka-go's own read path.
func decodeReply(data []byte, handler ReplyHandler) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("eventbus: unmarshal envelope: %w", err)
	}
	handler(env)
	return nil
}

// Close releases the writer and reader.
func (b *Bus) Close() error {
	werr := b.writer.Close()
	rerr := b.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
