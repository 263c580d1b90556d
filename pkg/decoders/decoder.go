package decoders

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
)

// BuiltinNamespace qualifies the decoders shipped with this module. A
// decoder name without a namespace resolves under it.
const BuiltinNamespace = "builtin"

var (
	// ErrUnknownDecoder is returned when a configured decoder name has no factory.
	ErrUnknownDecoder = errors.New("unknown decoder")
	// ErrInvalidArgs is returned when decoder construction arguments are rejected.
	ErrInvalidArgs = errors.New("invalid decoder arguments")
)

// Decoder turns one consumed message into zero or more records. Implementations
// must not retain the message and must have no side effects beyond logging.
type Decoder interface {
	Decode(msg types.ConsumedMessage) ([]map[string]any, error)
}

// DecoderFunc adapts a plain function to the Decoder interface.
type DecoderFunc func(msg types.ConsumedMessage) ([]map[string]any, error)

// Decode calls f(msg).
func (f DecoderFunc) Decode(msg types.ConsumedMessage) ([]map[string]any, error) {
	return f(msg)
}

// Args are the construction arguments of a decoder, straight from configuration.
type Args map[string]any

// Factory builds a configured decoder.
type Factory func(args Args, logger zerolog.Logger) (Decoder, error)

// Registry maps qualified decoder names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

var defaultRegistry = NewRegistry()

func init() {
	registerBuiltins(defaultRegistry)
}

// Default returns the process wide registry holding the built-in decoders.
func Default() *Registry {
	return defaultRegistry
}

// NewBuiltinRegistry returns a fresh registry holding only the built-in decoders.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

func registerBuiltins(r *Registry) {
	for name, factory := range map[string]Factory{
		"mapping": newMappingDecoder,
		"json":    newJSONDecoder,
		"text":    newTextDecoder,
		"csv":     newCSVDecoder,
	} {
		if err := r.Register(BuiltinNamespace+"."+name, factory); err != nil {
			panic(err)
		}
	}
}

// Register adds a factory under a qualified name such as "acme.protobuf".
func (r *Registry) Register(name string, factory Factory) error {
	if !strings.Contains(name, ".") {
		return fmt.Errorf("decoder name %q must be qualified as namespace.name", name)
	}
	if factory == nil {
		return fmt.Errorf("decoder %q: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("decoder %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New resolves name and builds a decoder with args.
func (r *Registry) New(name string, args Args, logger zerolog.Logger) (Decoder, error) {
	qualified := Qualify(name)
	r.mu.RLock()
	factory, ok := r.factories[qualified]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDecoder, name)
	}
	dec, err := factory(args, logger.With().Str("decoder", qualified).Logger())
	if err != nil {
		return nil, fmt.Errorf("decoder %q: %w", qualified, err)
	}
	return dec, nil
}

// Names lists the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Qualify prefixes a bare name with the builtin namespace.
func Qualify(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return BuiltinNamespace + "." + name
}

// decodeArgs copies args into the options struct pointed to by out. Unknown
// keys are rejected so that typos surface at startup.
func decodeArgs(args Args, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(args)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// logDecoded writes the decoded output when a decoder runs verbose.
func logDecoded(logger zerolog.Logger, msg types.ConsumedMessage, records []map[string]any) {
	logger.Info().
		Str("msg_id", msg.ID).
		Int("record_count", len(records)).
		Interface("records", records).
		Msg("Decoded message")
}
