package pcm

import (
	"github.com/ardnew/softuac/pkg"
)

// Frame sizes handled by [Convert].
const (
	CaptureFrameSize  = 3 // 24-bit little-endian mono
	PlaybackFrameSize = 4 // 16-bit little-endian stereo
)

// ConvertedLen returns the number of playback bytes produced from n capture
// bytes. n should be a multiple of [CaptureFrameSize].
func ConvertedLen(n int) int {
	return (n / CaptureFrameSize) * PlaybackFrameSize
}

// Convert widens 24-bit mono capture frames in src into 16-bit stereo
// playback frames in dst. The high 16 bits of each capture frame are copied
// to both channels without rounding.
//
// Returns the number of bytes written to dst. len(src) must be a multiple of
// 3 and dst must hold at least ConvertedLen(len(src)) bytes.
func Convert(dst, src []byte) (int, error) {
	if len(src)%CaptureFrameSize != 0 {
		return 0, pkg.Invalid("capture_length", len(src), "not a multiple of 3-byte frames")
	}
	n := ConvertedLen(len(src))
	if len(dst) < n {
		return 0, pkg.ErrBufferTooSmall
	}
	d := dst[:n]
	for i, o := 0, 0; i < len(src); i, o = i+CaptureFrameSize, o+PlaybackFrameSize {
		lo, hi := src[i+1], src[i+2]
		d[o] = lo
		d[o+1] = hi
		d[o+2] = lo
		d[o+3] = hi
	}
	return n, nil
}
