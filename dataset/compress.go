package dataset

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

const compressionNone = "none"

// compressor is one supported shard compression scheme.
type compressor interface {
	// ext is appended to shard file names ("" for none).
	ext() string
	compress(src []byte) ([]byte, error)
	decompress(src []byte) ([]byte, error)
}

var compressors = map[string]compressor{
	"":     plain{},
	"gzip": gzipCompressor{},
	"zstd": zstdCompressor{},
	"s2":   s2Compressor{},
}

// SupportedCompressions lists the accepted compression identifiers.
func SupportedCompressions() []string {
	out := []string{compressionNone}
	for name := range compressors {
		if name != "" {
			out = append(out, name)
		}
	}
	slices.Sort(out[1:])
	return out
}

func lookupCompression(name string) (compressor, error) {
	if name == compressionNone {
		name = ""
	}
	c, ok := compressors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedCompression, name, SupportedCompressions())
	}
	return c, nil
}

type plain struct{}

func (plain) ext() string                           { return "" }
func (plain) compress(src []byte) ([]byte, error)   { return src, nil }
func (plain) decompress(src []byte) ([]byte, error) { return src, nil }

type gzipCompressor struct{}

func (gzipCompressor) ext() string { return ".gz" }

func (gzipCompressor) compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// One encoder/decoder pair serves every dataset; EncodeAll and DecodeAll
// are safe for concurrent use.
var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) { return zstd.NewWriter(nil) })
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) { return zstd.NewReader(nil) })
)

type zstdCompressor struct{}

func (zstdCompressor) ext() string { return ".zst" }

func (zstdCompressor) compress(src []byte) ([]byte, error) {
	enc, err := zstdEncoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(src, nil), nil
}

func (zstdCompressor) decompress(src []byte) ([]byte, error) {
	dec, err := zstdDecoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(src, nil)
}

type s2Compressor struct{}

func (s2Compressor) ext() string { return ".s2" }

func (s2Compressor) compress(src []byte) ([]byte, error) { return s2.Encode(nil, src), nil }

func (s2Compressor) decompress(src []byte) ([]byte, error) { return s2.Decode(nil, src) }
