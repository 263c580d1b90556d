package types

import (
	"time"
)

// ConsumedMessage is a single message as delivered by a bus consumer.
type ConsumedMessage struct {
	// ID is the broker identifier of the message, or a generated one when the
	// transport has no notion of message IDs (ZeroMQ, core NATS).
	ID string
	// Payload is the raw byte content of the message.
	Payload []byte
	// Value is the structured form of Payload when the source uses a
	// structural receive mode (string, json, cbor). It is nil for raw bytes.
	Value any
	// Topic is the subject, topic or subscription the message arrived on.
	Topic string
	// PublishTime is the broker timestamp, zero when unknown.
	PublishTime time.Time
	// Ack is called once the message's records are durable in the sink, or
	// when the message is deliberately discarded. May be nil.
	Ack func()
	// Nack signals that the message could not be persisted. May be nil.
	Nack func()
}

// AckMessage calls Ack when the transport supplied one.
func (m ConsumedMessage) AckMessage() {
	if m.Ack != nil {
		m.Ack()
	}
}

// NackMessage calls Nack when the transport supplied one.
func (m ConsumedMessage) NackMessage() {
	if m.Nack != nil {
		m.Nack()
	}
}
