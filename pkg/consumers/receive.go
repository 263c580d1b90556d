// Package consumers adapts message buses to the pipeline's MessageConsumer
// contract. Every adapter delivers types.ConsumedMessage values on a buffered
// channel; the pipeline worker is the only reader.
package consumers

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/illmade-knight/go-mq2db/pkg/decoders"
)

var cborDecMode cbor.DecMode

func init() {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("consumers: cbor decode mode: %v", err))
	}
	cborDecMode = mode
}

// ReceiveValue converts a raw payload according to a receive mode. The bytes
// mode yields no structured value.
func ReceiveValue(mode string, payload []byte) (any, error) {
	switch mode {
	case config.RecvBytes, "":
		return nil, nil
	case config.RecvString:
		return string(payload), nil
	case config.RecvJSON:
		v, err := decoders.ParseJSON(payload)
		if err != nil {
			return nil, fmt.Errorf("json receive: %w", err)
		}
		return v, nil
	case config.RecvCBOR:
		var v any
		if err := cborDecMode.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("cbor receive: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unsupported recv method %q", config.ErrInvalidConfig, mode)
	}
}
