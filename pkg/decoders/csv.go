package decoders

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
)

type csvOptions struct {
	Header    []string `mapstructure:"header"`
	Delimiter string   `mapstructure:"delimiter"`
	Encoding  string   `mapstructure:"encoding"`
	Verbose   bool     `mapstructure:"verbose"`
}

type csvDecoder struct {
	opts      csvOptions
	header    []string
	delimiter rune
	charset   encoding.Encoding
	logger    zerolog.Logger
}

func newCSVDecoder(args Args, logger zerolog.Logger) (Decoder, error) {
	var opts csvOptions
	if err := decodeArgs(args, &opts); err != nil {
		return nil, err
	}
	d := &csvDecoder{opts: opts, delimiter: ',', logger: logger}
	if opts.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(opts.Delimiter)
		if size != len(opts.Delimiter) || r == utf8.RuneError || r == '"' || r == '\n' || r == '\r' {
			return nil, fmt.Errorf("%w: delimiter %q must be a single character", ErrInvalidArgs, opts.Delimiter)
		}
		d.delimiter = r
	}
	for _, h := range opts.Header {
		d.header = append(d.header, strings.TrimSpace(h))
	}
	charset, err := lookupCharset(opts.Encoding)
	if err != nil {
		return nil, err
	}
	d.charset = charset
	return d, nil
}

// Decode parses delimited text into one record per row. Without a configured
// header the first row names the fields. Keys and values are trimmed, short
// rows are padded with nil and surplus values are dropped.
func (d *csvDecoder) Decode(msg types.ConsumedMessage) ([]map[string]any, error) {
	var text string
	if s, ok := msg.Value.(string); ok && len(msg.Payload) == 0 {
		text = s
	} else {
		var err error
		if text, err = decodeText(d.charset, msg.Payload); err != nil {
			return nil, err
		}
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = d.delimiter
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	header := d.header
	var records []map[string]any
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid csv: %w", err)
		}
		if isBlankRow(row) {
			continue
		}
		if header == nil {
			header = make([]string, len(row))
			for i, h := range row {
				header[i] = strings.TrimSpace(h)
			}
			continue
		}
		record := make(map[string]any, len(header))
		for i, key := range header {
			if i < len(row) {
				record[key] = strings.TrimSpace(row[i])
			} else {
				record[key] = nil
			}
		}
		records = append(records, record)
	}
	if d.opts.Verbose {
		logDecoded(d.logger, msg, records)
	}
	return records, nil
}

func isBlankRow(row []string) bool {
	for _, field := range row {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
