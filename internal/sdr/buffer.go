package sdr

import "fmt"

// PreRollBuffer implements a fixed capacity ring buffer of raw interleaved I/Q
// bytes. It retains the most recent samples so that, once a burst is detected,
// the samples preceding the trigger can still be written out. Once full, the
// oldest bytes are overwritten.
//
// PreRollBuffer is not safe for concurrent use; it is owned by a single dwell.
type PreRollBuffer struct {
	buf        []byte
	start      int // index of the oldest byte
	size       int // number of bytes held
	sampleSize int // width of one complex sample in bytes
}

// NewPreRollBuffer creates a new pre-roll buffer able to hold the given number
// of complex samples of the given format. A zero sample count is valid and
// disables pre-roll.
//
// Returns an error if parameters are invalid.
func NewPreRollBuffer(samples int, format Format) (*PreRollBuffer, error) {
	sampleSize := format.BytesPerSample()
	if samples < 0 || sampleSize <= 0 {
		return nil, fmt.Errorf("invalid pre-roll buffer parameters: samples=%d, format=%s", samples, format)
	}

	return &PreRollBuffer{
		buf:        make([]byte, samples*sampleSize),
		sampleSize: sampleSize,
	}, nil
}

// Push appends p to the buffer, evicting the oldest bytes once the capacity is
// exceeded. Only the trailing capacity bytes of p are kept if p alone is larger
// than the buffer.
func (b *PreRollBuffer) Push(p []byte) {
	capacity := len(b.buf)
	if capacity == 0 || len(p) == 0 {
		return
	}

	if len(p) >= capacity {
		copy(b.buf, p[len(p)-capacity:])
		b.start = 0
		b.size = capacity
		return
	}

	end := (b.start + b.size) % capacity
	n := copy(b.buf[end:], p)
	copy(b.buf, p[n:])

	b.size += len(p)
	if overflow := b.size - capacity; overflow > 0 {
		b.start = (b.start + overflow) % capacity
		b.size = capacity
	}
}

// Drain removes and returns all buffered bytes in arrival order, trimmed down
// to a whole number of complex samples. Returns nil if the buffer is empty.
func (b *PreRollBuffer) Drain() []byte {
	n := b.size - b.size%b.sampleSize
	if n == 0 {
		b.Clear()
		return nil
	}

	out := make([]byte, n)
	first := copy(out, b.buf[b.start:min(b.start+n, len(b.buf))])
	copy(out[first:], b.buf[:n-first])

	b.Clear()
	return out
}

// Len returns the number of bytes currently held
func (b *PreRollBuffer) Len() int {
	return b.size
}

// Samples returns the number of whole complex samples currently held
func (b *PreRollBuffer) Samples() int {
	return b.size / b.sampleSize
}

// Cap returns the buffer capacity in bytes
func (b *PreRollBuffer) Cap() int {
	return len(b.buf)
}

// Clear removes all bytes from the buffer
func (b *PreRollBuffer) Clear() {
	b.start = 0
	b.size = 0
}
