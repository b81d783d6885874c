package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WavInfo is the decoded header and payload of a RIFF/WAVE file.
type WavInfo struct {
	// AudioFormat is the WAVE format tag. 1 = linear PCM.
	AudioFormat uint16

	// Channels is the interleaved channel count.
	Channels int

	// SampleRate in Hz.
	SampleRate int

	// BitsPerSample is the sample width (8 or 16 for the formats we handle).
	BitsPerSample int

	// Data is the raw sample payload from the data chunk.
	Data []byte
}

// ErrNotWave is returned by [ParseWav] when the input does not carry a
// RIFF/WAVE signature.
var ErrNotWave = errors.New("audio: not a RIFF/WAVE file")

const wavHeaderSize = 44

// ParseWav decodes a RIFF/WAVE byte stream. It walks the chunk list so files
// with extra chunks (LIST, fact, …) between fmt and data parse correctly.
// Only the fmt and data chunks are interpreted.
func ParseWav(b []byte) (WavInfo, error) {
	var info WavInfo
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return info, ErrNotWave
	}

	var haveFmt, haveData bool
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			// Tolerate a data chunk whose declared size overruns the buffer
			// (some encoders stream with a placeholder length).
			if id == "data" {
				size = len(b) - body
			} else {
				return info, fmt.Errorf("audio: chunk %q overruns file (%d bytes declared)", id, size)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return info, fmt.Errorf("audio: fmt chunk too short (%d bytes)", size)
			}
			info.AudioFormat = binary.LittleEndian.Uint16(b[body:])
			info.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(b[body+14:]))
			haveFmt = true
		case "data":
			info.Data = b[body : body+size]
			haveData = true
		}

		// Chunks are word-aligned; odd sizes carry a pad byte.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt {
		return info, errors.New("audio: missing fmt chunk")
	}
	if !haveData {
		return info, errors.New("audio: missing data chunk")
	}
	if info.Channels <= 0 || info.SampleRate <= 0 {
		return info, fmt.Errorf("audio: invalid fmt chunk (channels=%d rate=%d)", info.Channels, info.SampleRate)
	}
	return info, nil
}

// EncodeWav wraps raw PCM in a minimal RIFF/WAVE header. bits must be 8 or 16.
func EncodeWav(pcm []byte, sampleRate, channels, bits int) []byte {
	blockAlign := channels * bits / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, wavHeaderSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1) // linear PCM
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], uint16(bits))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}
