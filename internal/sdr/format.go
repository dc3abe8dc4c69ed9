package sdr

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

const (
	EncodingCS16 Encoding = "cs16" // signed 16-bit integer I/Q
	EncodingCS8  Encoding = "cs8"  // signed 8-bit integer I/Q (hackrf_transfer)
	EncodingCU8  Encoding = "cu8"  // unsigned 8-bit offset binary I/Q (rtl_sdr, rtl_tcp)
	EncodingCF32 Encoding = "cf32" // 32-bit float I/Q
)

// Encoding is the element type of interleaved I/Q samples
type Encoding string

func (e Encoding) String() string {
	return string(e)
}

// Format describes how complex samples are laid out in a byte stream
type Format struct {
	Encoding Encoding
	Order    binary.ByteOrder // only relevant to multi-byte elements
}

var (
	FormatCS16 = Format{Encoding: EncodingCS16, Order: binary.LittleEndian}
	FormatCS8  = Format{Encoding: EncodingCS8}
	FormatCU8  = Format{Encoding: EncodingCU8}
	FormatCF32 = Format{Encoding: EncodingCF32, Order: binary.LittleEndian}
)

// ParseFormat parses a format name such as "cs16", "cs16be", "cu8" or "cf32"
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cs16", "cs16le":
		return FormatCS16, nil
	case "cs16be":
		return Format{Encoding: EncodingCS16, Order: binary.BigEndian}, nil
	case "cs8":
		return FormatCS8, nil
	case "cu8":
		return FormatCU8, nil
	case "cf32", "cf32le":
		return FormatCF32, nil
	case "cf32be":
		return Format{Encoding: EncodingCF32, Order: binary.BigEndian}, nil
	default:
		return Format{}, fmt.Errorf("unknown sample format '%s'", name)
	}
}

// String returns the canonical format name, used as the capture file extension
func (f Format) String() string {
	if f.Order == binary.BigEndian {
		return f.Encoding.String() + "be"
	}
	return f.Encoding.String()
}

// BytesPerSample returns the width of one complex (I+Q) sample in bytes
func (f Format) BytesPerSample() int {
	switch f.Encoding {
	case EncodingCS16:
		return 4
	case EncodingCS8, EncodingCU8:
		return 2
	case EncodingCF32:
		return 8
	default:
		return 0
	}
}

// Samples returns the number of whole complex samples in n bytes
func (f Format) Samples(n int) int {
	bps := f.BytesPerSample()
	if bps == 0 {
		return 0
	}
	return n / bps
}

// MagnitudeSquared appends |x|² of every whole complex sample in data to dst.
// Values are normalised so that full scale is approximately 1.0.
func (f Format) MagnitudeSquared(data []byte, dst []float64) []float64 {
	n := f.Samples(len(data))
	dst = grow(dst, n)

	switch f.Encoding {
	case EncodingCS16:
		for i := 0; i < n; i++ {
			re := float64(int16(f.Order.Uint16(data[i*4:]))) / 32768.0
			im := float64(int16(f.Order.Uint16(data[i*4+2:]))) / 32768.0
			dst = append(dst, re*re+im*im)
		}

	case EncodingCS8:
		for i := 0; i < n; i++ {
			re := float64(int8(data[i*2])) / 128.0
			im := float64(int8(data[i*2+1])) / 128.0
			dst = append(dst, re*re+im*im)
		}

	case EncodingCU8:
		for i := 0; i < n; i++ {
			re := (float64(data[i*2]) - 127.5) / 127.5
			im := (float64(data[i*2+1]) - 127.5) / 127.5
			dst = append(dst, re*re+im*im)
		}

	case EncodingCF32:
		for i := 0; i < n; i++ {
			re := float64(math.Float32frombits(f.Order.Uint32(data[i*8:])))
			im := float64(math.Float32frombits(f.Order.Uint32(data[i*8+4:])))
			dst = append(dst, re*re+im*im)
		}
	}

	return dst
}

func grow(s []float64, n int) []float64 {
	if cap(s)-len(s) >= n {
		return s
	}
	out := make([]float64, len(s), len(s)+n)
	copy(out, s)
	return out
}
