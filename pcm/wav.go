package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/ardnew/softuac/pkg"
)

// WAV format tags.
const (
	wavFormatPCM        = 0x0001
	wavFormatExtensible = 0xFFFE
)

// ReadWAV decodes a WAV stream and converts it to format f, resampling when
// the rates differ. Zero fields in f are taken from the file. The format of
// the returned data is returned alongside it.
//
// Only integer PCM is accepted. Signed data already in format f is returned
// as stored.
func ReadWAV(r io.Reader, f Format) ([]byte, Format, error) {
	data, src, err := readWAVData(r)
	if err != nil {
		return nil, Format{}, err
	}

	if f.SampleRate == 0 {
		f.SampleRate = src.SampleRate
	}
	if f.Channels == 0 {
		f.Channels = src.Channels
	}
	if f.BytesPerSample == 0 {
		f.BytesPerSample = src.BytesPerSample
	}
	if f == src && f.BytesPerSample > 1 {
		return data, f, nil
	}

	// 8-bit WAV samples are unsigned; wider ones are signed.
	bf := src.Beep()
	var stream beep.Streamer
	if src.BytesPerSample == 1 {
		stream = decode(data, bf, beep.Format.DecodeUnsigned)
	} else {
		stream = decode(data, bf, beep.Format.DecodeSigned)
	}
	if dst := beep.SampleRate(f.SampleRate); dst != bf.SampleRate {
		stream = beep.Resample(resampleQuality, bf.SampleRate, dst, stream)
	}
	out, err := Encode(stream, f)
	return out, f, err
}

// readWAVData returns the sample bytes of the data chunk, trimmed to whole
// frames, and their format.
func readWAVData(r io.Reader) ([]byte, Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, Format{}, fmt.Errorf("wav: read header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, Format{}, pkg.Invalid("wav", string(riff[0:4]), "not a RIFF WAVE stream")
	}

	var (
		f       Format
		haveFmt bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, Format{}, pkg.Invalid("wav", "data", "missing data chunk")
			}
			return nil, Format{}, fmt.Errorf("wav: read chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size+size&1)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, Format{}, fmt.Errorf("wav: read fmt chunk: %w", err)
			}
			var err error
			if f, err = parseWAVFormat(body[:size]); err != nil {
				return nil, Format{}, err
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, Format{}, pkg.Invalid("wav", "data", "data chunk before fmt chunk")
			}
			data, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return nil, Format{}, fmt.Errorf("wav: read data chunk: %w", err)
			}
			fs := f.FrameSize()
			return data[:len(data)/fs*fs], f, nil

		default:
			if _, err := io.CopyN(io.Discard, r, size+size&1); err != nil {
				return nil, Format{}, fmt.Errorf("wav: skip %q chunk: %w", id, err)
			}
		}
	}
}

// parseWAVFormat reads a WAVEFORMAT, WAVEFORMATEX or WAVEFORMATEXTENSIBLE
// body.
func parseWAVFormat(b []byte) (Format, error) {
	if len(b) < 16 {
		return Format{}, pkg.Invalid("wav", len(b), "fmt chunk too short")
	}
	tag := binary.LittleEndian.Uint16(b[0:2])
	if tag == wavFormatExtensible && len(b) >= 26 {
		// First two bytes of the SubFormat GUID
		tag = binary.LittleEndian.Uint16(b[24:26])
	}
	if tag != wavFormatPCM {
		return Format{}, pkg.Unsupported("wav.format", tag, "only integer PCM is supported")
	}

	f := Format{
		SampleRate:     int(binary.LittleEndian.Uint32(b[4:8])),
		Channels:       int(binary.LittleEndian.Uint16(b[2:4])),
		BytesPerSample: int(binary.LittleEndian.Uint16(b[14:16])) / 8,
	}
	if f.BytesPerSample < 1 || f.BytesPerSample > 3 {
		return Format{}, pkg.Unsupported("wav.bits_per_sample", f.BytesPerSample*8, "want 8, 16 or 24")
	}
	return f, f.Validate()
}

// WriteWAV encodes data, signed PCM in format f, as a WAV stream.
func WriteWAV(w io.WriteSeeker, data []byte, f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return wav.Encode(w, Decode(data, f), f.Beep())
}
