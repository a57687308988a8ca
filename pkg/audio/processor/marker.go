package processor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/callcenter/pkg/audio"
)

// MarkerPrefix opens the tag appended by [Marker].
const MarkerPrefix = "|processed_"

// Marker appends a processing tag to the payload of every unit:
//
//	<payload>|processed_<unix seconds>|
//
// All other fields are copied unchanged. The input payload is never modified.
type Marker struct {
	now func() time.Time
}

// MarkerOption configures a [Marker].
type MarkerOption func(*Marker)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) MarkerOption {
	return func(m *Marker) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMarker returns a [Marker] that stamps units with the current time.
func NewMarker(opts ...MarkerOption) *Marker {
	m := &Marker{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transform implements [audio.Processor].
func (m *Marker) Transform(u audio.Unit) (audio.Unit, error) {
	tag := MarkerPrefix + formatUnixSeconds(m.now()) + "|"
	data := make([]byte, 0, len(u.Data)+len(tag))
	data = append(data, u.Data...)
	data = append(data, tag...)
	u.Data = data
	return u, nil
}

// formatUnixSeconds renders t as fractional seconds since the epoch, e.g.
// "1700000000.25" or "1700000000.0". Integer arithmetic keeps the digits
// exact; a float64 cannot hold nanosecond epochs.
func formatUnixSeconds(t time.Time) string {
	secs := strconv.FormatInt(t.Unix(), 10)
	frac := strings.TrimRight(fmt.Sprintf("%09d", t.Nanosecond()), "0")
	if frac == "" {
		frac = "0"
	}
	return secs + "." + frac
}
