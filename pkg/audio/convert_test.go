package audio_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/MrWong99/micbridge/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMonoToStereo(t *testing.T) {
	mono := samplesToBytes([]int16{100, 200, 300})
	stereo := audio.MonoToStereo(mono)
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo_OddByteIgnored(t *testing.T) {
	got := audio.MonoToStereo([]byte{1, 2, 3})
	if want := []byte{1, 2, 1, 2}; !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAligner_AlignedPassThrough(t *testing.T) {
	var a audio.Aligner
	in := []byte{1, 2, 3, 4}
	got := a.Align(in)
	if !bytes.Equal(got, in) {
		t.Errorf("got %v, want %v", got, in)
	}
	if a.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", a.Pending())
	}
}

func TestAligner_CarriesOddByte(t *testing.T) {
	var a audio.Aligner
	var out []byte

	for _, chunk := range [][]byte{{1, 2, 3}, {4, 5}, {6}, {}} {
		out = append(out, a.Align(chunk)...)
	}

	if want := []byte{1, 2, 3, 4, 5, 6}; !bytes.Equal(out, want) {
		t.Errorf("aligned stream = %v, want %v", out, want)
	}
	if a.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", a.Pending())
	}
}

func TestAligner_StereoFrames(t *testing.T) {
	a := audio.Aligner{Format: audio.Format{SampleRate: 48000, Channels: 2}}

	if got := a.Align([]byte{1, 2, 3, 4, 5, 6}); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("first chunk = %v", got)
	}
	if a.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", a.Pending())
	}
	if got := a.Align([]byte{7, 8}); !bytes.Equal(got, []byte{5, 6, 7, 8}) {
		t.Errorf("second chunk = %v", got)
	}
}

func TestAligner_Reset(t *testing.T) {
	var a audio.Aligner
	a.Align([]byte{9})
	a.Reset()
	if a.Pending() != 0 {
		t.Fatalf("Pending after Reset = %d", a.Pending())
	}
	if got := a.Align([]byte{1, 2}); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("got %v after Reset", got)
	}
}
