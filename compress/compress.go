// Package compress implements the body compressors selectable per call.
// The type code travels in the frame header so the receiver can pick the
// matching decompressor; the server answers with the request's compressor.
package compress

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"echorpc/protocol"
)

// MaxUncompressedSize bounds a decompressed body the same way the frame
// bounds a compressed one.
const MaxUncompressedSize = protocol.MaxFrameSize

var ErrTooLarge = errors.New("compress: uncompressed body too large")

type Type byte

const (
	TypeNone   Type = 0
	TypeGzip   Type = 1
	TypeSnappy Type = 2
	TypeLz4    Type = 3
	TypeZlib   Type = 4
)

// Compressor compresses frame bodies. Implementations are stateless and safe
// for concurrent use.
type Compressor interface {
	Code() Type
	Compress(data []byte) ([]byte, error)
	Uncompress(data []byte) ([]byte, error)
}

var compressors = map[Type]Compressor{
	TypeNone:   NoneCompressor{},
	TypeGzip:   GzipCompressor{},
	TypeSnappy: SnappyCompressor{},
	TypeLz4:    Lz4Compressor{},
	TypeZlib:   ZlibCompressor{},
}

var names = map[string]Type{
	"none":   TypeNone,
	"gzip":   TypeGzip,
	"snappy": TypeSnappy,
	"lz4":    TypeLz4,
	"zlib":   TypeZlib,
}

// Get returns the compressor for code.
func Get(code Type) (Compressor, error) {
	c, ok := compressors[code]
	if !ok {
		return nil, fmt.Errorf("compress: unsupported type %d", code)
	}
	return c, nil
}

// Parse returns the compressor named name. An empty name means none.
func Parse(name string) (Compressor, error) {
	if name == "" {
		return NoneCompressor{}, nil
	}
	code, ok := names[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("compress: unknown type %q", name)
	}
	return compressors[code], nil
}

// NoneCompressor passes data through.
type NoneCompressor struct{}

func (NoneCompressor) Code() Type {
	return TypeNone
}

func (NoneCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (NoneCompressor) Uncompress(data []byte) ([]byte, error) {
	return data, nil
}

// readAllLimited reads r to the end, failing once more than
// MaxUncompressedSize bytes come out.
func readAllLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUncompressedSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxUncompressedSize {
		return nil, ErrTooLarge
	}
	return data, nil
}
