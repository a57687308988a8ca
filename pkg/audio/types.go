package audio

import "time"

// Unit is one chunk of call audio flowing through a session. Units are the
// atomic item of transport: received from a [StreamAdapter], transformed by a
// [Processor], queued, and sent back on the same stream.
//
// Format metadata travels with every unit and is not checked for consistency
// across a call. Processors and consumers must tolerate mixed or missing values.
type Unit struct {
	// Data is the opaque payload, raw or processed.
	Data []byte

	// CallID groups all units of one logical call. It is empty until the
	// client supplies it.
	CallID string

	// SampleRate in Hz (e.g., 44100, 16000). Zero means unknown.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo. Zero means unknown.
	Channels int

	// Codec names the payload encoding (e.g., "pcm"). Empty means unknown.
	Codec string

	// Timestamp is the server-side receive time. It is not carried on the wire.
	Timestamp time.Time
}

// Format returns the unit's sample rate and channel count.
func (u Unit) Format() Format {
	return Format{SampleRate: u.SampleRate, Channels: u.Channels}
}
