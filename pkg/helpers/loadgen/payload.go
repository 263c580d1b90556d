package loadgen

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

// Payload formats understood by ReadingGenerator.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// Reading is one simulated sensor sample.
type Reading struct {
	Device      string  `json:"device" cbor:"device"`
	Sequence    uint64  `json:"seq" cbor:"seq"`
	Timestamp   int64   `json:"ts" cbor:"ts"`
	RSSI        int     `json:"rssi" cbor:"rssi"`
	Temperature float64 `json:"temperature" cbor:"temperature"`
}

// ReadingColumns are the field names of a Reading in payload order.
var ReadingColumns = []string{"device", "seq", "ts", "rssi", "temperature"}

// ReadingGenerator produces readings encoded as CSV with a header row, a
// JSON object or a CBOR map. It is safe for concurrent use by many devices.
type ReadingGenerator struct {
	format   string
	rows     int
	sequence atomic.Uint64
	now      func() time.Time
}

// NewReadingGenerator returns a generator emitting rows readings per payload.
func NewReadingGenerator(format string, rows int) (*ReadingGenerator, error) {
	switch format {
	case FormatCSV, FormatJSON, FormatCBOR:
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
	if rows < 1 {
		rows = 1
	}
	return &ReadingGenerator{format: format, rows: rows, now: time.Now}, nil
}

func (g *ReadingGenerator) next(device *Device) Reading {
	return Reading{
		Device:      device.ID,
		Sequence:    g.sequence.Add(1),
		Timestamp:   g.now().Unix(),
		RSSI:        -30 - rand.IntN(70),
		Temperature: float64(150+rand.IntN(150)) / 10,
	}
}

func (g *ReadingGenerator) GeneratePayload(device *Device) ([]byte, error) {
	readings := make([]Reading, g.rows)
	for i := range readings {
		readings[i] = g.next(device)
	}

	switch g.format {
	case FormatCSV:
		return encodeCSV(readings)
	case FormatJSON:
		if len(readings) == 1 {
			return json.Marshal(readings[0])
		}
		return json.Marshal(readings)
	default:
		if len(readings) == 1 {
			return cbor.Marshal(readings[0])
		}
		return cbor.Marshal(readings)
	}
}

func encodeCSV(readings []Reading) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ReadingColumns); err != nil {
		return nil, err
	}
	for _, r := range readings {
		record := []string{
			r.Device,
			strconv.FormatUint(r.Sequence, 10),
			strconv.FormatInt(r.Timestamp, 10),
			strconv.Itoa(r.RSSI),
			strconv.FormatFloat(r.Temperature, 'f', 1, 64),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
