// Package audio provides the linear-PCM codec utilities used on the media
// path: RIFF/WAVE parsing, stereo→mono downmix, 8→16-bit widening,
// linear-interpolation resampling, and the mapping between sample rates and
// the switch's slin codec names.
//
// All PCM in this package is little-endian. 16-bit samples are signed,
// 8-bit samples are unsigned per the WAVE convention.
package audio

import "fmt"

// StereoToMono downmixes interleaved 16-bit stereo PCM to mono by averaging
// each L+R pair. Uses int32 arithmetic to avoid overflow and clamps to the
// int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
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

// Widen8To16 converts unsigned 8-bit PCM (WAVE convention, midpoint 128) to
// signed 16-bit PCM.
func Widen8To16(pcm []byte) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		v := (int16(s) - 128) << 8
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate the input is returned
// unchanged.
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

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ToSlinMono16 normalises decoded WAV audio to mono signed 16-bit PCM at a
// rate the switch has a slin codec for. Returns the PCM, the final sample
// rate, and the slin codec name. Rates without an exact mapping are
// resampled down to the nearest standard rate.
func ToSlinMono16(info WavInfo) (pcm []byte, rate int, format string, err error) {
	if info.AudioFormat != 1 {
		return nil, 0, "", fmt.Errorf("audio: unsupported WAVE format tag %d (want linear PCM)", info.AudioFormat)
	}

	pcm = info.Data
	switch info.BitsPerSample {
	case 16:
	case 8:
		pcm = Widen8To16(pcm)
	default:
		return nil, 0, "", fmt.Errorf("audio: unsupported sample width %d bits", info.BitsPerSample)
	}

	switch info.Channels {
	case 1:
	case 2:
		pcm = StereoToMono(pcm)
	default:
		return nil, 0, "", fmt.Errorf("audio: unsupported channel count %d", info.Channels)
	}

	rate = info.SampleRate
	if _, ok := SlinFormat(rate); !ok {
		target := NearestSlinRate(rate)
		pcm = ResampleMono16(pcm, rate, target)
		rate = target
	}
	format, _ = SlinFormat(rate)
	return pcm, rate, format, nil
}
