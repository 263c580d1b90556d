package decoders

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNoStructuredValue is returned by the mapping decoder when the source
// delivered raw bytes instead of a structured value.
var ErrNoStructuredValue = errors.New("message carries no structured value; use a json or cbor receive mode")

type mappingOptions struct {
	Verbose bool `mapstructure:"verbose"`
}

type mappingDecoder struct {
	opts   mappingOptions
	logger zerolog.Logger
}

func newMappingDecoder(args Args, logger zerolog.Logger) (Decoder, error) {
	var opts mappingOptions
	if err := decodeArgs(args, &opts); err != nil {
		return nil, err
	}
	return &mappingDecoder{opts: opts, logger: logger}, nil
}

// Decode passes a structured mapping, or a list of them, through unchanged.
func (d *mappingDecoder) Decode(msg types.ConsumedMessage) ([]map[string]any, error) {
	if msg.Value == nil {
		return nil, ErrNoStructuredValue
	}
	records, err := toRecords(msg.Value)
	if err != nil {
		return nil, err
	}
	if d.opts.Verbose {
		logDecoded(d.logger, msg, records)
	}
	return records, nil
}

// toRecords normalizes a decoded structure into a list of mappings.
func toRecords(v any) ([]map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}, nil
	case map[any]any:
		return []map[string]any{stringKeys(t)}, nil
	case []map[string]any:
		return t, nil
	case []any:
		records := make([]map[string]any, 0, len(t))
		for i, item := range t {
			switch m := item.(type) {
			case map[string]any:
				records = append(records, m)
			case map[any]any:
				records = append(records, stringKeys(m))
			default:
				return nil, fmt.Errorf("element %d is %T, want a mapping", i, item)
			}
		}
		return records, nil
	default:
		return nil, fmt.Errorf("decoded value is %T, want a mapping or a list of mappings", v)
	}
}

func stringKeys(m map[any]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[fmt.Sprint(k)] = v
	}
	return out
}
