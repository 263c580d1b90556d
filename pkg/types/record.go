package types

// Record is one row awaiting insertion, keyed by column name. A Record held in
// a pipeline buffer carries exactly the insert columns of its table.
type Record map[string]any

// Auto-column names. They are populated by the pipeline rather than decoded.
const (
	ColumnDatetime  = "_datetime_"
	ColumnTimestamp = "_timestamp_"
	ColumnRaw       = "_raw_"
)

// Values returns the record's values in the given column order.
func (r Record) Values(columns []string) []any {
	values := make([]any, len(columns))
	for i, c := range columns {
		values[i] = r[c]
	}
	return values
}
