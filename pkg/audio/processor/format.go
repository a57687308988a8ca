package processor

import (
	"fmt"
	"strings"

	"github.com/MrWong99/callcenter/pkg/audio"
)

// pcmCodecs lists the codec names treated as little-endian 16-bit PCM. The
// empty codec is included because many clients omit it for raw audio.
var pcmCodecs = map[string]bool{
	"":      true,
	"pcm":   true,
	"pcm16": true,
	"l16":   true,
}

// Format converts 16-bit PCM units to a target format. Units whose codec is
// not PCM pass through untouched; PCM units with a misaligned payload fail
// with an error wrapping [audio.ErrMisalignedPCM].
type Format struct {
	conv *audio.FormatConverter
}

// NewFormat returns a [Format] processor for target. Zero fields in target
// leave the corresponding property of each unit unchanged.
func NewFormat(target audio.Format) (*Format, error) {
	if target.SampleRate < 0 {
		return nil, fmt.Errorf("processor: format: negative sample rate %d", target.SampleRate)
	}
	if target.Channels < 0 || target.Channels > 2 {
		return nil, fmt.Errorf("processor: format: unsupported channel count %d", target.Channels)
	}
	return &Format{conv: &audio.FormatConverter{Target: target}}, nil
}

// Target returns the configured output format.
func (f *Format) Target() audio.Format {
	return f.conv.Target
}

// Transform implements [audio.Processor].
func (f *Format) Transform(u audio.Unit) (audio.Unit, error) {
	if !pcmCodecs[strings.ToLower(u.Codec)] {
		return u, nil
	}
	out, err := f.conv.Convert(u)
	if err != nil {
		return audio.Unit{}, fmt.Errorf("processor: format: %w", err)
	}
	return out, nil
}

// Passthrough returns every unit unchanged.
var Passthrough audio.Processor = audio.ProcessorFunc(func(u audio.Unit) (audio.Unit, error) {
	return u, nil
})
