package pcm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ardnew/softuac/pkg"
)

// =============================================================================
// Convert Tests
// =============================================================================

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		src  []byte
		want []byte
	}{
		{"empty", nil, []byte{}},
		{"single frame", []byte{0x11, 0x22, 0x33}, []byte{0x22, 0x33, 0x22, 0x33}},
		{
			"two frames",
			[]byte{0x00, 0xFF, 0x7F, 0xAA, 0x00, 0x80},
			[]byte{0xFF, 0x7F, 0xFF, 0x7F, 0x00, 0x80, 0x00, 0x80},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, ConvertedLen(len(tt.src)))
			n, err := Convert(dst, tt.src)
			if err != nil {
				t.Fatalf("Convert() error = %v", err)
			}
			if n != len(tt.want) {
				t.Fatalf("Convert() n = %d, want %d", n, len(tt.want))
			}
			if !bytes.Equal(dst[:n], tt.want) {
				t.Errorf("Convert() = % X, want % X", dst[:n], tt.want)
			}
		})
	}
}

func TestConvert_Errors(t *testing.T) {
	tests := []struct {
		name    string
		dst     int
		src     int
		wantErr error
	}{
		{"partial frame", 8, 4, pkg.ErrInvalidParameter},
		{"short dst", 3, 3, pkg.ErrBufferTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Convert(make([]byte, tt.dst), make([]byte, tt.src))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Convert() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	var ce *pkg.ConfigurationError
	if _, err := Convert(make([]byte, 8), make([]byte, 5)); !errors.As(err, &ce) {
		t.Errorf("partial frame error %v is not a ConfigurationError", err)
	}
}

func TestConvertedLen(t *testing.T) {
	for _, tt := range []struct{ in, want int }{{0, 0}, {3, 4}, {144, 192}, {288, 384}} {
		if got := ConvertedLen(tt.in); got != tt.want {
			t.Errorf("ConvertedLen(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Level Tests
// =============================================================================

func TestPeak16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"empty", nil, 0},
		{"odd byte", []byte{0xFF}, 0},
		{"positive", []byte{0x10, 0x00, 0xE8, 0x03}, 1000},
		{"negative", []byte{0x18, 0xFC, 0x00, 0x00}, 1000},
		{"min", []byte{0x00, 0x80}, 32768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Peak16(tt.data); got != tt.want {
				t.Errorf("Peak16() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	var l Level
	if p := l.Observe([]byte{0x64, 0x00}); p != 100 {
		t.Errorf("Observe() = %d, want 100", p)
	}
	if p := l.Observe([]byte{0x0A, 0x00}); p != 10 {
		t.Errorf("Observe() = %d, want 10", p)
	}
	if l.Peak() != 100 {
		t.Errorf("Peak() = %d, want 100", l.Peak())
	}
	l.Reset()
	if l.Peak() != 0 {
		t.Errorf("Peak() after Reset = %d", l.Peak())
	}
}

// =============================================================================
// Format Tests
// =============================================================================

func TestFormat(t *testing.T) {
	if got := Playback.FrameSize(); got != 4 {
		t.Errorf("Playback.FrameSize() = %d, want 4", got)
	}
	if got := Playback.BytesPerMillisecond(); got != 192 {
		t.Errorf("Playback.BytesPerMillisecond() = %d, want 192", got)
	}
	if got := Capture.BytesPerMillisecond(); got != 144 {
		t.Errorf("Capture.BytesPerMillisecond() = %d, want 144", got)
	}
	if got := Playback.Duration(192 * 1000); got != time.Second {
		t.Errorf("Playback.Duration() = %v, want 1s", got)
	}
	if got := FromBeep(Capture.Beep()); got != Capture {
		t.Errorf("FromBeep(Beep()) = %+v, want %+v", got, Capture)
	}
}

func TestFormat_Validate(t *testing.T) {
	tests := []struct {
		name    string
		f       Format
		wantErr error
	}{
		{"playback", Playback, nil},
		{"capture", Capture, nil},
		{"zero rate", Format{0, 2, 2}, pkg.ErrInvalidParameter},
		{"six channels", Format{48000, 6, 2}, pkg.ErrNotSupported},
		{"wide samples", Format{48000, 2, 8}, pkg.ErrNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Beep Interop Tests
// =============================================================================

func TestTone(t *testing.T) {
	data, err := Take(Tone(48000, 1000, 0.5), Playback, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if len(data) != 480*Playback.FrameSize() {
		t.Fatalf("len = %d, want %d", len(data), 480*Playback.FrameSize())
	}
	if p := Peak16(data); p < 16000 || p > 16500 {
		t.Errorf("peak = %d, want about 16383", p)
	}
}

func TestEncodeDecode(t *testing.T) {
	src := []byte{0x00, 0x00, 0xE8, 0x03, 0x18, 0xFC, 0xFF, 0x7F}
	mono := Format{SampleRate: 8000, Channels: 1, BytesPerSample: 2}

	out, err := Encode(Decode(src, mono), mono)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	assertClose16(t, out, src)
}

func TestWAVRoundTrip(t *testing.T) {
	src, err := Take(Tone(48000, 440, 0.8), Playback, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteWAV(f, src, Playback); err != nil {
		t.Fatalf("WriteWAV() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, format, err := ReadWAV(r, Format{})
	if err != nil {
		t.Fatalf("ReadWAV() error = %v", err)
	}
	if format != Playback {
		t.Errorf("format = %+v, want %+v", format, Playback)
	}
	assertClose16(t, got, src)
}

func TestReadWAV_Resample(t *testing.T) {
	src, err := Take(Tone(8000, 440, 0.5), Format{8000, 1, 2}, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "low.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteWAV(f, src, Format{8000, 1, 2}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	r, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, format, err := ReadWAV(r, Playback)
	if err != nil {
		t.Fatalf("ReadWAV() error = %v", err)
	}
	if format != Playback {
		t.Errorf("format = %+v, want %+v", format, Playback)
	}
	frames := len(got) / Playback.FrameSize()
	if frames < 4700 || frames > 4820 {
		t.Errorf("resampled frames = %d, want about 4800", frames)
	}
}

func TestReadWAV_ChannelConversion(t *testing.T) {
	mono := Format{48000, 1, 2}
	src, err := Take(Tone(48000, 440, 0.8), mono, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	buf.Write(riffWAV(wavFormatPCM, 1, 48000, 16, nil, src))

	got, format, err := ReadWAV(&buf, Playback)
	if err != nil {
		t.Fatalf("ReadWAV() error = %v", err)
	}
	if format != Playback {
		t.Errorf("format = %+v, want %+v", format, Playback)
	}

	// Each mono sample lands on both channels at full scale.
	want := make([]byte, 0, 2*len(src))
	for i := 0; i+1 < len(src); i += 2 {
		want = append(want, src[i], src[i+1], src[i], src[i+1])
	}
	assertClose16(t, got, want)
}

func TestReadWAV_Chunks(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	list := []byte("LIST\x03\x00\x00\x00abc\x00")

	tests := []struct {
		name  string
		wav   []byte
		want  []byte
		f     Format
		isErr error
	}{
		{
			name: "24-bit mono stored as is",
			wav:  riffWAV(wavFormatPCM, 1, 48000, 24, list, data),
			want: data[:6],
			f:    Capture,
		},
		{
			name: "extensible PCM",
			wav:  riffWAV(wavFormatExtensible, 1, 48000, 24, nil, data[:6]),
			want: data[:6],
			f:    Capture,
		},
		{
			name:  "float samples",
			wav:   riffWAV(3, 1, 48000, 32, nil, data[:4]),
			isErr: pkg.ErrNotSupported,
		},
		{
			name:  "not RIFF",
			wav:   []byte("RIFX\x00\x00\x00\x00WAVE"),
			isErr: pkg.ErrInvalidParameter,
		},
		{
			name:  "no data chunk",
			wav:   riffWAV(wavFormatPCM, 1, 48000, 16, nil, nil)[:36],
			isErr: pkg.ErrInvalidParameter,
		},
		{
			name:  "data before fmt",
			wav:   append([]byte("RIFF\x00\x00\x00\x00WAVEdata\x02\x00\x00\x00"), 0, 0),
			isErr: pkg.ErrInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, f, err := ReadWAV(bytes.NewReader(tt.wav), Format{})
			if tt.isErr != nil {
				if !errors.Is(err, tt.isErr) {
					t.Fatalf("ReadWAV() error = %v, want %v", err, tt.isErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadWAV() error = %v", err)
			}
			if f != tt.f {
				t.Errorf("format = %+v, want %+v", f, tt.f)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("data = % x, want % x", got, tt.want)
			}
		})
	}
}

// riffWAV builds a WAV stream by hand. extra is inserted between the fmt and
// data chunks.
func riffWAV(tag uint16, channels, rate, bits int, extra, data []byte) []byte {
	le16 := func(b []byte, v int) []byte { return binary.LittleEndian.AppendUint16(b, uint16(v)) }
	le32 := func(b []byte, v int) []byte { return binary.LittleEndian.AppendUint32(b, uint32(v)) }

	var fmtBody []byte
	fmtBody = le16(fmtBody, int(tag))
	fmtBody = le16(fmtBody, channels)
	fmtBody = le32(fmtBody, rate)
	fmtBody = le32(fmtBody, rate*channels*bits/8)
	fmtBody = le16(fmtBody, channels*bits/8)
	fmtBody = le16(fmtBody, bits)
	if tag == wavFormatExtensible {
		fmtBody = le16(fmtBody, 22)
		fmtBody = le16(fmtBody, bits)
		fmtBody = le32(fmtBody, 0)
		fmtBody = le16(fmtBody, wavFormatPCM)
		fmtBody = append(fmtBody, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
			0x80, 0x00, 0x00, 0xaa, 0x00, 0x38, 0x9b, 0x71)
	}

	out := []byte("RIFF\x00\x00\x00\x00WAVEfmt ")
	out = le32(out, len(fmtBody))
	out = append(out, fmtBody...)
	out = append(out, extra...)
	out = append(out, "data"...)
	out = le32(out, len(data))
	out = append(out, data...)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))
	return out
}

func assertClose16(t *testing.T, got, want []byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := 0; i+1 < len(want); i += 2 {
		g := int(int16(uint16(got[i]) | uint16(got[i+1])<<8))
		w := int(int16(uint16(want[i]) | uint16(want[i+1])<<8))
		if d := g - w; d < -1 || d > 1 {
			t.Fatalf("sample %d = %d, want %d", i/2, g, w)
		}
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkConvert(b *testing.B) {
	src := make([]byte, 144*2)
	dst := make([]byte, ConvertedLen(len(src)))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Convert(dst, src)
	}
}
