package compress

import (
	"bytes"
	"compress/zlib"
)

type ZlibCompressor struct{}

func (ZlibCompressor) Code() Type {
	return TypeZlib
}

func (ZlibCompressor) Compress(data []byte) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	w := zlib.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (ZlibCompressor) Uncompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()
	return readAllLimited(r)
}
