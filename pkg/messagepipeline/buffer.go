package messagepipeline

import (
	"github.com/illmade-knight/go-mq2db/pkg/types"
)

// entry ties the rows decoded from one message to that message, so the
// message can be acknowledged once its rows are committed.
type entry struct {
	msg  types.ConsumedMessage
	rows []types.Record
}

// Buffer is the ordered, append-only sequence of rows awaiting a flush. It is
// owned by a single worker goroutine and is not safe for concurrent use.
type Buffer struct {
	entries []entry
	rows    int
	limit   int
}

// NewBuffer returns a Buffer holding at most limit rows; zero means unbounded.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Append adds the rows of msg. When the limit is exceeded the oldest rows
// are discarded; messages whose rows were all discarded are returned.
func (b *Buffer) Append(msg types.ConsumedMessage, rows []types.Record) (evicted []types.ConsumedMessage, droppedRows int) {
	b.entries = append(b.entries, entry{msg: msg, rows: rows})
	b.rows += len(rows)

	for b.limit > 0 && b.rows > b.limit {
		head := &b.entries[0]
		excess := b.rows - b.limit
		if excess >= len(head.rows) {
			droppedRows += len(head.rows)
			b.rows -= len(head.rows)
			evicted = append(evicted, head.msg)
			b.entries[0] = entry{}
			b.entries = b.entries[1:]
			continue
		}
		head.rows = head.rows[excess:]
		b.rows -= excess
		droppedRows += excess
	}
	return evicted, droppedRows
}

// Len returns the number of buffered rows.
func (b *Buffer) Len() int {
	return b.rows
}

// Messages returns the number of messages with rows in the buffer.
func (b *Buffer) Messages() int {
	return len(b.entries)
}

// Rows returns the buffered rows in arrival order. The buffer is unchanged.
func (b *Buffer) Rows() []types.Record {
	rows := make([]types.Record, 0, b.rows)
	for _, e := range b.entries {
		rows = append(rows, e.rows...)
	}
	return rows
}

// Drain empties the buffer and returns the messages whose rows it held.
func (b *Buffer) Drain() []types.ConsumedMessage {
	msgs := make([]types.ConsumedMessage, len(b.entries))
	for i, e := range b.entries {
		msgs[i] = e.msg
	}
	b.entries = nil
	b.rows = 0
	return msgs
}
