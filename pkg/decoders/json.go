package decoders

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/rs/zerolog"
)

type jsonOptions struct {
	Verbose bool `mapstructure:"verbose"`
}

type jsonDecoder struct {
	opts   jsonOptions
	logger zerolog.Logger
}

func newJSONDecoder(args Args, logger zerolog.Logger) (Decoder, error) {
	var opts jsonOptions
	if err := decodeArgs(args, &opts); err != nil {
		return nil, err
	}
	return &jsonDecoder{opts: opts, logger: logger}, nil
}

// Decode parses a JSON object or an array of objects.
func (d *jsonDecoder) Decode(msg types.ConsumedMessage) ([]map[string]any, error) {
	data := msg.Payload
	if s, ok := msg.Value.(string); ok && len(data) == 0 {
		data = []byte(s)
	}
	value, err := ParseJSON(data)
	if err != nil {
		return nil, err
	}
	records, err := toRecords(value)
	if err != nil {
		return nil, err
	}
	if d.opts.Verbose {
		logDecoded(d.logger, msg, records)
	}
	return records, nil
}

// ParseJSON decodes data into generic values. Numbers become int64 when they
// are integral and fit, float64 otherwise.
func ParseJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return normalizeNumbers(value), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	default:
		return v
	}
}
