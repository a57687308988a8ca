package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrMisalignedPCM is returned when a 16-bit PCM payload is not a whole
// number of frames (2 bytes per sample times the channel count).
var ErrMisalignedPCM = errors.New("audio: pcm payload is not a whole number of frames")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FormatConverter converts 16-bit PCM units to a target format. It logs a
// warning on the first format mismatch it sees. Zero fields in Target leave the
// corresponding property unchanged. A FormatConverter is safe for concurrent
// use; only the one-shot warning is shared.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts u to the target format. Units already in the target format
// are returned unchanged (zero allocation). Units with unknown source format
// (zero sample rate or channels) are returned unchanged as well, since there is
// nothing to convert from. Layouts with more than two channels are returned
// unchanged too; only mono and stereo are converted. Conversion order:
// resample first, then channel convert.
func (c *FormatConverter) Convert(u Unit) (Unit, error) {
	frameBytes := 2 * max(u.Channels, 1)
	if len(u.Data)%frameBytes != 0 {
		return Unit{}, fmt.Errorf("%w: %d bytes, %d-byte frames", ErrMisalignedPCM, len(u.Data), frameBytes)
	}
	if u.Channels > 2 {
		return u, nil
	}

	targetRate := c.Target.SampleRate
	if targetRate == 0 {
		targetRate = u.SampleRate
	}
	targetChannels := c.Target.Channels
	if targetChannels == 0 {
		targetChannels = u.Channels
	}

	// Fast path: source matches target or is unknown.
	if u.SampleRate == targetRate && u.Channels == targetChannels {
		return u, nil
	}
	if u.SampleRate <= 0 || u.Channels <= 0 {
		return u, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"call_id", u.CallID,
			"from", formatString(u.SampleRate, u.Channels),
			"to", formatString(targetRate, targetChannels),
		)
	})

	pcm := u.Data
	currentRate := u.SampleRate
	currentChannels := u.Channels

	// Step 1: Resample first (avoids resampling stereo when target is mono).
	if currentRate != targetRate {
		if currentChannels == 1 {
			pcm = ResampleMono16(pcm, currentRate, targetRate)
		} else {
			pcm = ResampleStereo16(pcm, currentRate, targetRate)
		}
		currentRate = targetRate
	}

	// Step 2: Channel conversion between mono and stereo.
	if currentChannels != targetChannels {
		if currentChannels == 1 && targetChannels == 2 {
			pcm = MonoToStereo(pcm)
			currentChannels = 2
		} else if currentChannels == 2 && targetChannels == 1 {
			pcm = StereoToMono(pcm)
			currentChannels = 1
		}
	}

	out := u
	out.Data = pcm
	out.SampleRate = currentRate
	out.Channels = currentChannels
	return out, nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		// Left channel
		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		// Right channel
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
