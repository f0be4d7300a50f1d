package compress

import (
	"bytes"
	"compress/gzip"
)

type GzipCompressor struct{}

func (GzipCompressor) Code() Type {
	return TypeGzip
}

func (GzipCompressor) Compress(data []byte) ([]byte, error) {
	res := bytes.NewBuffer(nil)
	gw := gzip.NewWriter(res)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	// Close flushes the footer; a deferred Close would leave res incomplete.
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return res.Bytes(), nil
}

func (GzipCompressor) Uncompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = gr.Close()
	}()
	return readAllLimited(gr)
}
