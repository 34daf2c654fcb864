package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject is the NATS subject events are published under.
const Subject = "runs.events"

// NATSEventSink batches events and publishes each batch to NATS as a JSON
// array, mirroring executor.go's single-event Publish("audit.logs", ...)
// but batched per events.Batcher so a noisy run doesn't flood the broker
// with one message per node.
type NATSEventSink struct {
	conn    *nats.Conn
	batcher *Batcher[Event]
}

// NewNATSEventSink connects to url and starts batching. A connection
// failure returns a nil sink and the error, so callers can log it and fall
// back to LogSink — never fail run() because a broker is down.
func NewNATSEventSink(url string) (*NATSEventSink, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	s := &NATSEventSink{conn: conn}
	s.batcher = NewBatcher(DefaultMaxBatchSize, DefaultFlushInterval, s.publish)
	return s, nil
}

func (s *NATSEventSink) Emit(e Event) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	s.batcher.Add(e)
}

// Close flushes any buffered events and closes the underlying connection.
func (s *NATSEventSink) Close() {
	s.batcher.Stop()
	s.conn.Close()
}

func (s *NATSEventSink) publish(batch []Event) error {
	data, err := json.Marshal(batch)
	if err != nil {
		log.Printf("events: marshal batch of %d events: %v", len(batch), err)
		return err
	}
	return s.conn.Publish(Subject, data)
}
