package messagepipeline

import (
	"context"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/types"
)

// MessageConsumer is a message source such as a ZeroMQ socket or a Pub/Sub
// subscription. It fetches raw messages from the broker.
type MessageConsumer interface {
	// Messages returns the channel messages are delivered on. A consumer may
	// close it once stopped.
	Messages() <-chan types.ConsumedMessage
	// Start initiates consumption. Consumption ends when ctx is done or Stop is called.
	Start(ctx context.Context) error
	// Stop gracefully ceases message consumption.
	Stop() error
	// Done returns a channel that is closed when the consumer has fully stopped.
	Done() <-chan struct{}
}

// Flusher persists a batch of rows atomically. sqlsink.Writer implements it.
type Flusher interface {
	// Flush writes every row or none. now selects the destination.
	Flush(ctx context.Context, now time.Time, rows []types.Record) error
	// Columns returns the insert columns, which fixes the shape of every row.
	Columns() []string
}

// State is the lifecycle stage of a Worker.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
