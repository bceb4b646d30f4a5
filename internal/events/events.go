package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Notifier publishes processing milestones on a Kafka topic so consumers
// don't have to poll the status endpoint. Notifications are best effort:
// a broker failure is logged and never fails the job that produced it.
type Notifier struct {
	writer *kafka.Writer
}

type event struct {
	Kind   string    `json:"kind"`
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
	Ts     time.Time `json:"ts"`
}

func NewNotifier(broker, topic string) *Notifier {
	return &Notifier{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers: []string{broker},
			Topic:   topic,
		}),
	}
}

func (n *Notifier) Close() {
	if n != nil {
		n.writer.Close()
	}
}

// PictureStatus reports a picture reaching a terminal status.
func (n *Notifier) PictureStatus(ctx context.Context, picID uuid.UUID, status string) {
	if n == nil {
		return
	}
	n.publish(ctx, event{Kind: "picture", ID: picID, Status: status, Ts: time.Now().UTC()})
}

// SequenceReady reports a sequence finalization.
func (n *Notifier) SequenceReady(ctx context.Context, seqID uuid.UUID) {
	if n == nil {
		return
	}
	n.publish(ctx, event{Kind: "sequence", ID: seqID, Status: "ready", Ts: time.Now().UTC()})
}

func (n *Notifier) publish(ctx context.Context, e event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("events: marshalling event: %v", err)
		return
	}
	if err := n.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.ID.String()), Value: payload}); err != nil {
		log.Printf("events: publishing %s %s: %v", e.Kind, e.ID, err)
	}
}
