package decoders

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

var errInvalidUTF8 = errors.New("payload is not valid utf-8")

type textOptions struct {
	Field    string `mapstructure:"field"`
	Encoding string `mapstructure:"encoding"`
	Verbose  bool   `mapstructure:"verbose"`
}

type textDecoder struct {
	opts    textOptions
	charset encoding.Encoding
	logger  zerolog.Logger
}

func newTextDecoder(args Args, logger zerolog.Logger) (Decoder, error) {
	opts := textOptions{Field: "text"}
	if err := decodeArgs(args, &opts); err != nil {
		return nil, err
	}
	if opts.Field == "" {
		return nil, fmt.Errorf("%w: field must not be empty", ErrInvalidArgs)
	}
	charset, err := lookupCharset(opts.Encoding)
	if err != nil {
		return nil, err
	}
	return &textDecoder{opts: opts, charset: charset, logger: logger}, nil
}

// Decode wraps the whole payload as a single text field.
func (d *textDecoder) Decode(msg types.ConsumedMessage) ([]map[string]any, error) {
	var text string
	if s, ok := msg.Value.(string); ok && len(msg.Payload) == 0 {
		text = s
	} else {
		var err error
		if text, err = decodeText(d.charset, msg.Payload); err != nil {
			return nil, err
		}
	}
	records := []map[string]any{{d.opts.Field: text}}
	if d.opts.Verbose {
		logDecoded(d.logger, msg, records)
	}
	return records, nil
}

// lookupCharset resolves an IANA or WHATWG charset label. The empty label
// means utf-8 with strict validation.
func lookupCharset(label string) (encoding.Encoding, error) {
	if label == "" {
		return nil, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %q: %v", ErrInvalidArgs, label, err)
	}
	return enc, nil
}

func decodeText(charset encoding.Encoding, data []byte) (string, error) {
	if charset == nil {
		if !utf8.Valid(data) {
			return "", errInvalidUTF8
		}
		return string(data), nil
	}
	out, err := charset.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("charset decode: %w", err)
	}
	return string(out), nil
}
