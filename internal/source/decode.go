package source

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"

	"github.com/MrWong99/cadence/pkg/audio"
)

// ErrUnsupportedContainer is returned when no decoder recognises a source.
var ErrUnsupportedContainer = errors.New("source: unsupported container")

// PCM is a decoded clip: interleaved little-endian 16-bit samples.
type PCM struct {
	Data   []byte
	Format audio.Format
}

// Decoder turns an encoded clip into 16-bit PCM with one or two channels.
type Decoder interface {
	Decode(data []byte) (PCM, error)
}

// DecoderFunc adapts a function to [Decoder].
type DecoderFunc func(data []byte) (PCM, error)

// Decode implements [Decoder].
func (f DecoderFunc) Decode(data []byte) (PCM, error) { return f(data) }

// Container names used as decoder keys.
const (
	ContainerWAV  = "wav"
	ContainerAIFF = "aiff"
	ContainerMP3  = "mp3"
	ContainerOgg  = "ogg"
)

// defaultDecoders maps container names to decoders.
func defaultDecoders() map[string]Decoder {
	return map[string]Decoder{
		ContainerWAV:  DecoderFunc(decodeWAV),
		ContainerAIFF: DecoderFunc(decodeAIFF),
		ContainerMP3:  DecoderFunc(decodeMP3),
		ContainerOgg:  DecoderFunc(decodeVorbis),
	}
}

// containerFor picks a container from the locator's extension, then the
// content type, then the leading bytes.
func containerFor(locator, contentType string, data []byte) string {
	p := locator
	if u, err := url.Parse(locator); err == nil && u.Path != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".wav", ".wave":
		return ContainerWAV
	case ".aif", ".aiff", ".aifc":
		return ContainerAIFF
	case ".mp3":
		return ContainerMP3
	case ".ogg", ".oga":
		return ContainerOgg
	}
	switch ct, _, _ := strings.Cut(contentType, ";"); strings.TrimSpace(strings.ToLower(ct)) {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return ContainerWAV
	case "audio/aiff", "audio/x-aiff":
		return ContainerAIFF
	case "audio/mpeg", "audio/mp3":
		return ContainerMP3
	case "audio/ogg", "application/ogg", "audio/vorbis":
		return ContainerOgg
	}
	return sniff(data)
}

func sniff(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return ContainerWAV
	case len(data) >= 12 && string(data[:4]) == "FORM" && (string(data[8:12]) == "AIFF" || string(data[8:12]) == "AIFC"):
		return ContainerAIFF
	case bytes.HasPrefix(data, []byte("OggS")):
		return ContainerOgg
	case bytes.HasPrefix(data, []byte("ID3")),
		len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ContainerMP3
	}
	return ""
}

// ─── Sample conversion ───────────────────────────────────────────────────────

// intsToPCM16 narrows go-audio integer samples of the given bit depth to
// 16-bit little-endian PCM. unsigned8 marks 8-bit data stored with a 128
// offset, as in WAV.
func intsToPCM16(samples []int, bitDepth int, unsigned8 bool) ([]byte, error) {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		var s int
		switch bitDepth {
		case 8:
			if unsigned8 {
				v -= 128
			}
			s = v << 8
		case 16:
			s = v
		case 24:
			s = v >> 8
		case 32:
			s = v >> 16
		default:
			return nil, fmt.Errorf("%w: %d-bit samples", audio.StatusUnsupportedFormat, bitDepth)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(max(math.MinInt16, min(math.MaxInt16, s)))))
	}
	return out, nil
}

// floatsToPCM16 converts [-1, 1] float samples to 16-bit PCM with clipping.
func floatsToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		s := int32(v * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(max(math.MinInt16, min(math.MaxInt16, s)))))
	}
	return out
}

// firstTwoChannels keeps channels 0 and 1 of 16-bit PCM with n channels.
func firstTwoChannels(pcm []byte, n int) []byte {
	frames := len(pcm) / (2 * n)
	out := make([]byte, frames*4)
	for f := range frames {
		copy(out[f*4:f*4+4], pcm[f*2*n:f*2*n+4])
	}
	return out
}

// newPCM validates the decoded layout and folds multichannel audio to stereo.
func newPCM(data []byte, rate, channels int) (PCM, error) {
	if channels <= 0 || rate <= 0 {
		return PCM{}, fmt.Errorf("%w: %d Hz, %d channels", audio.StatusUnsupportedFormat, rate, channels)
	}
	if channels > 2 {
		data = firstTwoChannels(data, channels)
		channels = 2
	}
	f := audio.Format{SampleRate: rate, BitsPerChannel: 16, Channels: channels}
	if err := f.Validate(); err != nil {
		return PCM{}, err
	}
	return PCM{Data: data, Format: f}, nil
}
