// Package processor provides the built-in [audio.Processor] implementations:
//
//   - [Marker] appends a "|processed_<unix time>|" tag to every payload. It is
//     the default processor and reproduces the demo behaviour of the service.
//   - [Format] normalises 16-bit PCM to a target sample rate and channel count.
//   - [Passthrough] returns units unchanged.
//
// All processors are stateless with respect to individual calls and safe for
// concurrent use by any number of sessions.
package processor
