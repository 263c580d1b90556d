package messagepipeline

import (
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/types"
)

// RowBuilder shapes decoded records into rows holding exactly the table's
// insert columns.
type RowBuilder struct {
	userColumns []string
	datetime    bool
	timestamp   bool
	raw         bool
}

// NewRowBuilder derives user and auto columns from an insert column list.
func NewRowBuilder(columns []string) *RowBuilder {
	b := &RowBuilder{}
	for _, c := range columns {
		switch c {
		case types.ColumnDatetime:
			b.datetime = true
		case types.ColumnTimestamp:
			b.timestamp = true
		case types.ColumnRaw:
			b.raw = true
		default:
			b.userColumns = append(b.userColumns, c)
		}
	}
	return b
}

// Build returns one row per decoded record. Missing columns are nil, unknown
// fields are dropped, and every row of the message shares the same receive
// time and raw payload.
func (b *RowBuilder) Build(decoded []map[string]any, received time.Time, raw []byte) []types.Record {
	received = received.UTC()
	if b.raw && raw == nil {
		raw = []byte{}
	}
	rows := make([]types.Record, 0, len(decoded))
	for _, fields := range decoded {
		row := make(types.Record, len(b.userColumns)+3)
		for _, c := range b.userColumns {
			row[c] = fields[c]
		}
		if b.timestamp {
			row[types.ColumnTimestamp] = received.Unix()
		}
		if b.datetime {
			row[types.ColumnDatetime] = received
		}
		if b.raw {
			row[types.ColumnRaw] = raw
		}
		rows = append(rows, row)
	}
	return rows
}
