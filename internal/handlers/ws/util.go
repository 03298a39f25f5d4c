package ws

import (
	"bytes"
	"compress/gzip"
	"io"
)

// compressFrame gzips an outbound frame for clients that advertised support.
func compressFrame(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressFrame inflates a gzip-compressed binary frame from a client.
func DecompressFrame(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
