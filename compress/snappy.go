package compress

import "github.com/golang/snappy"

// SnappyCompressor uses the snappy block format: fast, moderate ratio.
type SnappyCompressor struct{}

func (SnappyCompressor) Code() Type {
	return TypeSnappy
}

func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Uncompress(data []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > MaxUncompressedSize {
		return nil, ErrTooLarge
	}
	return snappy.Decode(nil, data)
}
