package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/callcenter/pkg/audio"
	"github.com/MrWong99/callcenter/pkg/audio/processor"
)

// Built-in processor names.
const (
	ProcessorMarker      = "marker"
	ProcessorFormat      = "format"
	ProcessorPassthrough = "passthrough"
)

// ErrProcessorNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested processor name.
var ErrProcessorNotRegistered = errors.New("config: processor not registered")

// ProcessorFactory builds a processor from its config entry.
type ProcessorFactory func(ProcessorEntry) (audio.Processor, error)

// Registry maps processor names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProcessorFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProcessorFactory)}
}

// NewBuiltinRegistry returns a [Registry] holding the marker, format and
// passthrough processors.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.Register(ProcessorMarker, func(ProcessorEntry) (audio.Processor, error) {
		return processor.NewMarker(), nil
	})
	r.Register(ProcessorFormat, newFormatProcessor)
	r.Register(ProcessorPassthrough, func(ProcessorEntry) (audio.Processor, error) {
		return processor.Passthrough, nil
	})
	return r
}

// Register registers a processor factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory ProcessorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered processor names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Create instantiates the processor registered under entry.Name.
// Returns [ErrProcessorNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) Create(entry ProcessorEntry) (audio.Processor, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProcessorNotRegistered, entry.Name)
	}
	return factory(entry)
}

// BuildChain instantiates every entry and composes them in order. An empty
// list yields the passthrough processor.
func (r *Registry) BuildChain(entries []ProcessorEntry) (audio.Processor, error) {
	if len(entries) == 0 {
		return processor.Passthrough, nil
	}
	stages := make([]audio.Processor, 0, len(entries))
	for i, e := range entries {
		p, err := r.Create(e)
		if err != nil {
			return nil, fmt.Errorf("config: processors[%d]: %w", i, err)
		}
		stages = append(stages, p)
	}
	if len(stages) == 1 {
		return stages[0], nil
	}
	return audio.Chain(stages...), nil
}

// newFormatProcessor reads the sample_rate and channels options.
func newFormatProcessor(entry ProcessorEntry) (audio.Processor, error) {
	rate, err := optInt(entry.Options, "sample_rate")
	if err != nil {
		return nil, err
	}
	channels, err := optInt(entry.Options, "channels")
	if err != nil {
		return nil, err
	}
	return processor.NewFormat(audio.Format{SampleRate: rate, Channels: channels})
}

// optInt extracts an integer value from a processor Options map. Returns 0
// if the map is nil or the key is absent.
func optInt(opts map[string]any, key string) (int, error) {
	v, ok := opts[key]
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("config: option %s: %v is not a whole number", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("config: option %s: expected a number, got %T", key, v)
	}
}
