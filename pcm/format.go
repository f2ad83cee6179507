package pcm

import (
	"time"

	"github.com/gopxl/beep"

	"github.com/ardnew/softuac/pkg"
)

// Format describes interleaved signed little-endian PCM.
type Format struct {
	SampleRate     int `yaml:"sample_rate"`
	Channels       int `yaml:"channels"`
	BytesPerSample int `yaml:"bytes_per_sample"`
}

// Common formats.
var (
	// Playback is 48 kHz 16-bit stereo, the loopback output format.
	Playback = Format{SampleRate: 48000, Channels: 2, BytesPerSample: 2}

	// Capture is 48 kHz 24-bit mono, the loopback input format.
	Capture = Format{SampleRate: 48000, Channels: 1, BytesPerSample: 3}
)

// FrameSize returns the size in bytes of one sample frame.
func (f Format) FrameSize() int {
	return f.Channels * f.BytesPerSample
}

// BytesPerMillisecond returns the number of bytes in one millisecond of
// audio. It is only exact when SampleRate is a multiple of 1000.
func (f Format) BytesPerMillisecond() int {
	return (f.SampleRate / 1000) * f.FrameSize()
}

// Duration returns the playing time of n bytes.
func (f Format) Duration(n int) time.Duration {
	fs := f.FrameSize()
	if fs == 0 || f.SampleRate == 0 {
		return 0
	}
	return time.Duration(n/fs) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks that f can be encoded.
func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return pkg.Invalid("sample_rate", f.SampleRate, "must be positive")
	case f.Channels < 1 || f.Channels > 2:
		return pkg.Unsupported("channels", f.Channels, "only mono and stereo are supported")
	case f.BytesPerSample < 1 || f.BytesPerSample > 4:
		return pkg.Unsupported("bytes_per_sample", f.BytesPerSample, "must be 1 to 4")
	}
	return nil
}

// Beep returns the equivalent [beep.Format].
func (f Format) Beep() beep.Format {
	return beep.Format{
		SampleRate:  beep.SampleRate(f.SampleRate),
		NumChannels: f.Channels,
		Precision:   f.BytesPerSample,
	}
}

// FromBeep converts a [beep.Format].
func FromBeep(bf beep.Format) Format {
	return Format{
		SampleRate:     int(bf.SampleRate),
		Channels:       bf.NumChannels,
		BytesPerSample: bf.Precision,
	}
}
