// Package pcm converts and inspects raw PCM byte buffers.
//
// [Convert] is the bit-exact widening used by the loopback pipeline: each
// 24-bit little-endian mono capture frame becomes a 16-bit little-endian
// stereo playback frame holding the capture's high 16 bits on both channels.
//
// The remaining helpers bridge raw buffers and [github.com/gopxl/beep]
// streamers, for WAV import and export and for synthesizing test tones.
package pcm
