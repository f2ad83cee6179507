package pcm

import (
	"math"
	"time"

	"github.com/gopxl/beep"
)

// resampleQuality is the interpolation quality passed to beep.Resample.
const resampleQuality = 4

// Encode drains s and returns its samples as signed PCM in format f.
// s must be finite; wrap endless streamers with beep.Take or [Take].
func Encode(s beep.Streamer, f Format) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	bf := f.Beep()
	frame := make([]byte, bf.Width())
	samples := make([][2]float64, 512)
	var out []byte
	for {
		n, ok := s.Stream(samples)
		for i := 0; i < n; i++ {
			bf.EncodeSigned(frame, samples[i])
			out = append(out, frame...)
		}
		if !ok {
			break
		}
	}
	return out, s.Err()
}

// Decode returns a streamer over the signed PCM in data. A trailing partial
// frame is ignored.
func Decode(data []byte, f Format) beep.Streamer {
	return decode(data, f.Beep(), beep.Format.DecodeSigned)
}

func decode(data []byte, bf beep.Format, fn func(beep.Format, []byte) ([2]float64, int)) beep.Streamer {
	width := bf.Width()
	pos := 0
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if width == 0 || pos+width > len(data) {
			return 0, false
		}
		n := 0
		for n < len(samples) && pos+width <= len(data) {
			samples[n], _ = fn(bf, data[pos:])
			pos += width
			n++
		}
		return n, true
	})
}

// Take returns d worth of s encoded in format f.
func Take(s beep.Streamer, f Format, d time.Duration) ([]byte, error) {
	n := beep.SampleRate(f.SampleRate).N(d)
	return Encode(beep.Take(n, s), f)
}

// tone is an endless sine oscillator.
type tone struct {
	step  float64
	phase float64
	amp   float64
}

// Tone returns an endless sine wave of freq Hz at the given sample rate.
// Amplitude is clamped to [0, 1].
func Tone(rate int, freq, amplitude float64) beep.Streamer {
	amplitude = math.Max(0, math.Min(1, amplitude))
	return &tone{step: freq / float64(rate), amp: amplitude}
}

func (t *tone) Stream(samples [][2]float64) (n int, ok bool) {
	for i := range samples {
		v := t.amp * math.Sin(2*math.Pi*t.phase)
		samples[i][0] = v
		samples[i][1] = v
		t.phase += t.step
		t.phase -= math.Floor(t.phase)
	}
	return len(samples), true
}

func (t *tone) Err() error { return nil }
