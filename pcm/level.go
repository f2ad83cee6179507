package pcm

// Peak16 returns the largest absolute sample value in a buffer of signed
// 16-bit little-endian samples. A trailing odd byte is ignored. The result
// for a buffer holding -32768 is 32768.
func Peak16(data []byte) int {
	peak := 0
	for i := 0; i+1 < len(data); i += 2 {
		v := int(int16(uint16(data[i]) | uint16(data[i+1])<<8))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// Level tracks the running peak of a 16-bit stream. The zero value is ready
// to use. Level is not safe for concurrent use.
type Level struct {
	peak int
}

// Observe folds the samples in data into the running peak and returns the
// peak of data alone.
func (l *Level) Observe(data []byte) int {
	p := Peak16(data)
	if p > l.peak {
		l.peak = p
	}
	return p
}

// Peak returns the running peak.
func (l *Level) Peak() int {
	return l.peak
}

// Reset clears the running peak.
func (l *Level) Reset() {
	l.peak = 0
}
