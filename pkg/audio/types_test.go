package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/micbridge/pkg/audio"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name       string
		f          audio.Format
		frame      int
		perSecond  int
		for20ms    int
		valid      bool
		stringForm string
	}{
		{"relay", audio.RelayFormat, 2, 96000, 1920, true, "48000Hz/mono/s16le"},
		{"stereo 44k1", audio.Format{SampleRate: 44100, Channels: 2}, 4, 176400, 3528, true, "44100Hz/stereo/s16le"},
		{"zero", audio.Format{}, 0, 0, 0, false, "0Hz/0ch/s16le"},
		{"surround", audio.Format{SampleRate: 48000, Channels: 6}, 12, 576000, 11520, false, "48000Hz/6ch/s16le"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.FrameSize(); got != tt.frame {
				t.Errorf("FrameSize = %d, want %d", got, tt.frame)
			}
			if got := tt.f.BytesPerSecond(); got != tt.perSecond {
				t.Errorf("BytesPerSecond = %d, want %d", got, tt.perSecond)
			}
			if got := tt.f.BytesFor(20 * time.Millisecond); got != tt.for20ms {
				t.Errorf("BytesFor(20ms) = %d, want %d", got, tt.for20ms)
			}
			if got := tt.f.Valid(); got != tt.valid {
				t.Errorf("Valid = %v, want %v", got, tt.valid)
			}
			if got := tt.f.String(); got != tt.stringForm {
				t.Errorf("String = %q, want %q", got, tt.stringForm)
			}
		})
	}
}

func TestFormat_DurationOf(t *testing.T) {
	if got := audio.RelayFormat.DurationOf(96000); got != time.Second {
		t.Errorf("DurationOf(96000) = %v, want 1s", got)
	}
	if got := audio.RelayFormat.DurationOf(-1); got != 0 {
		t.Errorf("DurationOf(-1) = %v, want 0", got)
	}
	if got := (audio.Format{}).DurationOf(100); got != 0 {
		t.Errorf("zero format DurationOf = %v, want 0", got)
	}
}
