package config

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Ordered is a YAML mapping that remembers the order of its keys. Column
// definitions rely on it: the configured order is the table's column order.
type Ordered[V any] struct {
	Keys   []string
	Values map[string]V
}

// UnmarshalYAML decodes a mapping node, rejecting duplicate keys.
func (o *Ordered[V]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	o.Keys = make([]string, 0, len(node.Content)/2)
	o.Values = make(map[string]V, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if _, dup := o.Values[key]; dup {
			return fmt.Errorf("line %d: duplicate key %q", node.Content[i].Line, key)
		}
		var v V
		if err := node.Content[i+1].Decode(&v); err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		o.Keys = append(o.Keys, key)
		o.Values[key] = v
	}
	return nil
}

// Len returns the number of entries.
func (o Ordered[V]) Len() int {
	return len(o.Keys)
}

// Get returns the value stored under key.
func (o Ordered[V]) Get(key string) (V, bool) {
	v, ok := o.Values[key]
	return v, ok
}

// Set appends key, or replaces its value when already present.
func (o *Ordered[V]) Set(key string, v V) {
	if o.Values == nil {
		o.Values = make(map[string]V)
	}
	if _, ok := o.Values[key]; !ok {
		o.Keys = append(o.Keys, key)
	}
	o.Values[key] = v
}

// Duration accepts a Go duration string ("1.5s"), a bare number of seconds, or
// a mapping of weeks, days, hours, minutes, seconds, milliseconds and
// microseconds that are summed together.
type Duration time.Duration

var durationUnits = map[string]time.Duration{
	"weeks":        7 * 24 * time.Hour,
	"days":         24 * time.Hour,
	"hours":        time.Hour,
	"minutes":      time.Minute,
	"seconds":      time.Second,
	"milliseconds": time.Millisecond,
	"microseconds": time.Microsecond,
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
			*d = Duration(secs * float64(time.Second))
			return nil
		}
		parsed, err := time.ParseDuration(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
		}
		*d = Duration(parsed)
		return nil
	case yaml.MappingNode:
		var parts map[string]float64
		if err := node.Decode(&parts); err != nil {
			return fmt.Errorf("line %d: invalid interval: %w", node.Line, err)
		}
		var total float64
		for unit, amount := range parts {
			scale, ok := durationUnits[unit]
			if !ok {
				return fmt.Errorf("line %d: unknown interval unit %q", node.Line, unit)
			}
			total += amount * float64(scale)
		}
		if total > math.MaxInt64 {
			return fmt.Errorf("line %d: interval overflows", node.Line)
		}
		*d = Duration(total)
		return nil
	default:
		return fmt.Errorf("line %d: expected a duration", node.Line)
	}
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the set of targets one process serves, in file order.
type Config struct {
	Targets []TargetConfig
}

// TargetConfig fully describes one pipeline: where messages come from, how
// they are decoded and where they are stored.
type TargetConfig struct {
	Name     string
	Source   SourceConfig
	Loader   LoaderConfig
	Database DatabaseConfig
}

// SourceConfig selects and configures the bus consumer of a target.
type SourceConfig struct {
	// Name is the target name; it is not read from YAML.
	Name      string `yaml:"-"`
	Transport string `yaml:"transport"`
	// Address is the endpoint or broker URL; for pubsub it is the project ID.
	Address string `yaml:"address"`
	// Type is the ZeroMQ socket role.
	Type   string `yaml:"type"`
	Method string `yaml:"method"`
	// Topic is the subscribe filter: a ZeroMQ prefix, MQTT topic, NATS subject
	// or Pub/Sub subscription ID depending on Transport.
	Topic          string         `yaml:"topic"`
	Recv           RecvConfig     `yaml:"recv"`
	ReceiveTimeout Duration       `yaml:"receive_timeout"`
	Options        map[string]any `yaml:"options"`
}

// RecvConfig selects how a payload is turned into a structured value before decoding.
type RecvConfig struct {
	Method string `yaml:"method"`
}

// LoaderConfig names the decoder of a target and its arguments. Kwargs is
// accepted as another spelling of Args and merged into it.
type LoaderConfig struct {
	Class  string         `yaml:"class"`
	Args   map[string]any `yaml:"args"`
	Kwargs map[string]any `yaml:"kwargs"`
}

// DatabaseConfig describes the sink and the table of a target.
type DatabaseConfig struct {
	URL           string            `yaml:"url"`
	Columns       Ordered[string]   `yaml:"columns"`
	AutoDatetime  bool              `yaml:"_datetime_"`
	AutoTimestamp bool              `yaml:"_timestamp_"`
	AutoRaw       bool              `yaml:"_raw_"`
	PrimaryKey    *[]string         `yaml:"primary_key"`
	Unique        Ordered[[]string] `yaml:"unique"`
	Indices       Ordered[[]string] `yaml:"indices"`
	Init          []string          `yaml:"init"`
	InsertPrefix  string            `yaml:"insert_prefix"`
	InsertSuffix  string            `yaml:"insert_suffix"`
	Interval      Duration          `yaml:"interval"`
	FlushTimeout  Duration          `yaml:"flush_timeout"`
	MaxBuffer     int               `yaml:"max_buffer"`
}

type rawTarget struct {
	SourceConfig `yaml:",inline"`
	Loader       LoaderConfig   `yaml:"loader"`
	Database     DatabaseConfig `yaml:"database"`
}

// Keys accepted in each mapping of a target.
var (
	targetKeys   = []string{"transport", "address", "type", "method", "topic", "recv", "receive_timeout", "options", "loader", "database"}
	recvKeys     = []string{"method"}
	loaderKeys   = []string{"class", "args", "kwargs"}
	databaseKeys = []string{
		"url", "columns", "_datetime_", "_timestamp_", "_raw_", "primary_key", "unique", "indices",
		"init", "insert_prefix", "insert_suffix", "interval", "flush_timeout", "max_buffer",
	}
)

// UnmarshalYAML rejects keys a target does not know, so a misspelt setting
// fails at startup instead of being ignored.
func (r *rawTarget) UnmarshalYAML(node *yaml.Node) error {
	if err := checkKeys(node, "target", targetKeys); err != nil {
		return err
	}
	nested := map[string][]string{"recv": recvKeys, "loader": loaderKeys, "database": databaseKeys}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if allowed, ok := nested[node.Content[i].Value]; ok {
			if err := checkKeys(node.Content[i+1], node.Content[i].Value, allowed); err != nil {
				return err
			}
		}
	}
	type plain rawTarget
	return node.Decode((*plain)(r))
}

func checkKeys(node *yaml.Node, where string, allowed []string) error {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if !slices.Contains(allowed, key.Value) {
			return fmt.Errorf("line %d: unknown key %q in %s (known: %s)",
				key.Line, key.Value, where, strings.Join(allowed, ", "))
		}
	}
	return nil
}

type fileConfig struct {
	Targets Ordered[rawTarget] `yaml:"targets"`
}
