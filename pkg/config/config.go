// Package config loads the mq2db target definitions from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/decoders"
	"github.com/illmade-knight/go-mq2db/pkg/schema"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Transports.
const (
	TransportZMQ    = "zmq"
	TransportMQTT   = "mqtt"
	TransportPubSub = "pubsub"
	TransportNATS   = "nats"
)

// Receive modes.
const (
	RecvBytes  = "bytes"
	RecvString = "string"
	RecvJSON   = "json"
	RecvCBOR   = "cbor"
)

const (
	DefaultReceiveTimeout = 100 * time.Millisecond
	DefaultInterval       = time.Second
	DefaultFlushTimeout   = 30 * time.Second
)

var (
	zmqSocketTypes = []string{"sub", "pull", "pair", "rep", "req", "dealer"}
	transports     = []string{TransportZMQ, TransportMQTT, TransportPubSub, TransportNATS}
	recvModes      = []string{RecvBytes, RecvString, RecvJSON, RecvCBOR}
)

// Load reads the YAML file at path. When section is not empty it is a dotted
// path ("mq2db.production") to the mapping that holds the targets.
func Load(path, section string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	cfg, err := Parse(data, section)
	if err != nil {
		return nil, fmt.Errorf("config file '%s': %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration from data and applies defaults. It fails
// only when the document as a whole is unusable; per-target problems are
// reported by TargetConfig.Validate.
func Parse(data []byte, section string) (*Config, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal YAML: %v", ErrInvalidConfig, err)
	}
	node, err := selectSection(&root, section)
	if err != nil {
		return nil, err
	}

	var file fileConfig
	if err := node.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if file.Targets.Len() == 0 {
		return nil, fmt.Errorf("%w: no targets defined", ErrInvalidConfig)
	}

	cfg := &Config{Targets: make([]TargetConfig, 0, file.Targets.Len())}
	for _, name := range file.Targets.Keys {
		raw := file.Targets.Values[name]
		if err := raw.Loader.mergeKwargs(); err != nil {
			return nil, fmt.Errorf("%w: target %q: %v", ErrInvalidConfig, name, err)
		}
		target := TargetConfig{
			Name:     name,
			Source:   raw.SourceConfig,
			Loader:   raw.Loader,
			Database: raw.Database,
		}
		target.Source.Name = name
		target.applyDefaults()
		cfg.Targets = append(cfg.Targets, target)
	}
	return cfg, nil
}

func (l *LoaderConfig) mergeKwargs() error {
	if len(l.Kwargs) == 0 {
		return nil
	}
	if l.Args == nil {
		l.Args = make(map[string]any, len(l.Kwargs))
	}
	for k, v := range l.Kwargs {
		if _, dup := l.Args[k]; dup {
			return fmt.Errorf("loader argument %q is set in both args and kwargs", k)
		}
		l.Args[k] = v
	}
	l.Kwargs = nil
	return nil
}

// selectSection walks a dotted path of mapping keys from the document root.
func selectSection(root *yaml.Node, section string) (*yaml.Node, error) {
	node := root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if section == "" {
		return node, nil
	}
	for _, key := range strings.Split(section, ".") {
		if node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: section %q: %q is not inside a mapping", ErrInvalidConfig, section, key)
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == key {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: section %q: key %q not found", ErrInvalidConfig, section, key)
		}
		node = next
	}
	return node, nil
}

func (t *TargetConfig) applyDefaults() {
	s := &t.Source
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	if s.Transport == "" {
		s.Transport = TransportZMQ
	}
	s.Type = strings.ToLower(s.Type)
	if s.Transport == TransportZMQ && s.Type == "" {
		s.Type = "sub"
	}
	s.Method = strings.ToLower(s.Method)
	if s.Method == "" {
		s.Method = "connect"
	}
	s.Recv.Method = normalizeRecv(s.Recv.Method)
	if s.ReceiveTimeout <= 0 {
		s.ReceiveTimeout = Duration(DefaultReceiveTimeout)
	}

	if t.Loader.Class == "" {
		// structured receive modes already yield a mapping
		switch s.Recv.Method {
		case RecvJSON, RecvCBOR:
			t.Loader.Class = "mapping"
		default:
			t.Loader.Class = "json"
		}
	}

	if t.Database.Interval <= 0 {
		t.Database.Interval = Duration(DefaultInterval)
	}
	if t.Database.FlushTimeout <= 0 {
		t.Database.FlushTimeout = Duration(DefaultFlushTimeout)
	}
}

// normalizeRecv maps method names such as "recv_json" onto a receive mode.
func normalizeRecv(method string) string {
	method = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(method)), "recv_")
	switch method {
	case "", "recv", "raw":
		return RecvBytes
	case "str", "text":
		return RecvString
	default:
		return method
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Validate checks the target for errors that do not depend on the table
// schema. Schema problems are reported when the sink is built.
func (t TargetConfig) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: target %s: %s", ErrInvalidConfig, t.Name, fmt.Sprintf(format, args...))
	}
	s := t.Source
	if !contains(transports, s.Transport) {
		return fail("unknown transport %q", s.Transport)
	}
	if s.Address == "" {
		return fail("address is required")
	}
	if s.Transport == TransportZMQ && !contains(zmqSocketTypes, s.Type) {
		return fail("unsupported zmq socket type %q", s.Type)
	}
	if s.Method != "connect" && s.Method != "bind" {
		return fail("method must be connect or bind, got %q", s.Method)
	}
	if s.Method == "bind" && s.Transport != TransportZMQ {
		return fail("method bind is only supported by zmq")
	}
	if (s.Transport == TransportMQTT || s.Transport == TransportNATS || s.Transport == TransportPubSub) && s.Topic == "" {
		return fail("topic is required for %s", s.Transport)
	}
	if !contains(recvModes, s.Recv.Method) {
		return fail("unsupported recv method %q", s.Recv.Method)
	}
	if t.Database.URL == "" {
		return fail("database url is required")
	}
	if t.Database.MaxBuffer < 0 {
		return fail("max_buffer must not be negative")
	}
	return nil
}

// TableSpec converts the database section into a table definition named after the target.
func (t TargetConfig) TableSpec() schema.TableSpec {
	db := t.Database
	spec := schema.TableSpec{
		Name:          t.Name,
		AutoDatetime:  db.AutoDatetime,
		AutoTimestamp: db.AutoTimestamp,
		AutoRaw:       db.AutoRaw,
		InsertPrefix:  db.InsertPrefix,
		InsertSuffix:  db.InsertSuffix,
	}
	for _, name := range db.Columns.Keys {
		spec.Columns = append(spec.Columns, schema.Column{Name: name, Type: db.Columns.Values[name]})
	}
	if db.PrimaryKey != nil {
		spec.PrimaryKey = *db.PrimaryKey
		spec.PrimaryKeySet = true
	}
	for _, name := range db.Unique.Keys {
		spec.Unique = append(spec.Unique, schema.Constraint{Name: name, Columns: db.Unique.Values[name]})
	}
	for _, name := range db.Indices.Keys {
		spec.Indexes = append(spec.Indexes, schema.Constraint{Name: name, Columns: db.Indices.Values[name]})
	}
	return spec
}

// DecoderName returns the loader class qualified for the decoder registry.
func (t TargetConfig) DecoderName() string {
	return decoders.Qualify(t.Loader.Class)
}

// Summary describes the target as "name: address (TYPE, method)".
func (t TargetConfig) Summary() string {
	kind := t.Source.Type
	if t.Source.Transport != TransportZMQ {
		kind = t.Source.Transport
	}
	return fmt.Sprintf("%s: %s (%s, %s)", t.Name, t.Source.Address, strings.ToUpper(kind), t.Source.Method)
}
