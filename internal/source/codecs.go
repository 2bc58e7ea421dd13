package source

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-audio/aiff"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

const wavFormatPCM = 1

func decodeWAV(data []byte) (PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return PCM{}, fmt.Errorf("%w: not a wav file", ErrUnsupportedContainer)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return PCM{}, fmt.Errorf("%w: wav audio format %d", ErrUnsupportedContainer, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("source: decode wav: %w", err)
	}
	pcm, err := intsToPCM16(buf.Data, int(dec.BitDepth), true)
	if err != nil {
		return PCM{}, err
	}
	return newPCM(pcm, int(dec.SampleRate), int(dec.NumChans))
}

func decodeAIFF(data []byte) (PCM, error) {
	dec := aiff.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return PCM{}, fmt.Errorf("%w: not an aiff file", ErrUnsupportedContainer)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("source: decode aiff: %w", err)
	}
	if buf.Format == nil {
		return PCM{}, fmt.Errorf("%w: aiff without format", ErrUnsupportedContainer)
	}
	pcm, err := intsToPCM16(buf.Data, int(dec.BitDepth), false)
	if err != nil {
		return PCM{}, err
	}
	return newPCM(pcm, buf.Format.SampleRate, buf.Format.NumChannels)
}

// go-mp3 always yields 16-bit stereo.
func decodeMP3(data []byte) (PCM, error) {
	dec, err := gomp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("%w: mp3: %v", ErrUnsupportedContainer, err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return PCM{}, fmt.Errorf("source: decode mp3: %w", err)
	}
	return newPCM(pcm, dec.SampleRate(), 2)
}

func decodeVorbis(data []byte) (PCM, error) {
	samples, format, err := oggvorbis.ReadAll(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("%w: ogg: %v", ErrUnsupportedContainer, err)
	}
	return newPCM(floatsToPCM16(samples), format.SampleRate, format.Channels)
}
