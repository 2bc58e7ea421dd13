package source

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/cadence/pkg/audio"
)

func TestContainerFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		locator     string
		contentType string
		data        []byte
		want        string
	}{
		{name: "wav extension", locator: "sounds/a.WAV", want: ContainerWAV},
		{name: "aiff extension", locator: "/x/b.aif", want: ContainerAIFF},
		{name: "mp3 extension", locator: "https://h/c.mp3?x=1", want: ContainerMP3},
		{name: "ogg extension", locator: "d.ogg", want: ContainerOgg},
		{name: "content type", locator: "https://h/clip", contentType: "audio/mpeg; charset=binary", want: ContainerMP3},
		{name: "sniff riff", locator: "clip", data: []byte("RIFF\x00\x00\x00\x00WAVEfmt "), want: ContainerWAV},
		{name: "sniff form", locator: "clip", data: []byte("FORM\x00\x00\x00\x00AIFFCOMM"), want: ContainerAIFF},
		{name: "sniff ogg", locator: "clip", data: []byte("OggS\x00\x02"), want: ContainerOgg},
		{name: "sniff id3", locator: "clip", data: []byte("ID3\x04"), want: ContainerMP3},
		{name: "sniff mpeg sync", locator: "clip", data: []byte{0xFF, 0xFB, 0x90}, want: ContainerMP3},
		{name: "unknown", locator: "clip", data: []byte("hello"), want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := containerFor(tc.locator, tc.contentType, tc.data); got != tc.want {
				t.Errorf("containerFor = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIntsToPCM16(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		samples   []int
		depth     int
		unsigned8 bool
		want      []byte
	}{
		{name: "16 bit", samples: []int{1, -1}, depth: 16, want: []byte{1, 0, 0xFF, 0xFF}},
		{name: "24 bit", samples: []int{0x7FFFFF, -0x800000}, depth: 24, want: []byte{0xFF, 0x7F, 0x00, 0x80}},
		{name: "32 bit", samples: []int{0x10000}, depth: 32, want: []byte{1, 0}},
		{name: "8 bit unsigned", samples: []int{128, 255}, depth: 8, unsigned8: true, want: []byte{0, 0, 0x00, 0x7F}},
		{name: "8 bit signed", samples: []int{-128}, depth: 8, want: []byte{0x00, 0x80}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := intsToPCM16(tc.samples, tc.depth, tc.unsigned8)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := intsToPCM16([]int{0}, 12, false); !errors.Is(err, audio.StatusUnsupportedFormat) {
		t.Errorf("12-bit err = %v, want StatusUnsupportedFormat", err)
	}
}

func TestFloatsToPCM16_Clips(t *testing.T) {
	t.Parallel()
	got := floatsToPCM16([]float32{0, 1, -1, 2, -2})
	want := []byte{0, 0, 0xFF, 0x7F, 0x01, 0x80, 0xFF, 0x7F, 0x00, 0x80}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNewPCM_FoldsToStereo(t *testing.T) {
	t.Parallel()
	// One frame of four channels: 1, 2, 3, 4.
	p, err := newPCM([]byte{1, 0, 2, 0, 3, 0, 4, 0}, 48000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if p.Format.Channels != 2 || !bytes.Equal(p.Data, []byte{1, 0, 2, 0}) {
		t.Errorf("got %d channels %v, want 2 channels [1 0 2 0]", p.Format.Channels, p.Data)
	}
	if _, err := newPCM(nil, 0, 1); err == nil {
		t.Error("zero sample rate should fail")
	}
}
