// Package compress handles compression of raw payload audit copies
// before they are written alongside normalized rows.
package compress

import (
	"github.com/klauspost/compress/zstd"
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Compress returns the zstd-compressed form of data. Nil and empty
// inputs pass through unchanged.
func Compress(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	return decoder.DecodeAll(data, nil)
}
