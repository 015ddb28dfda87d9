package store

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// compressChunk gzips an encoded chunk body.
func compressChunk(body string) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("failed to compress chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize chunk compression: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressChunk inflates a stored chunk payload back to its encoded body.
func decompressChunk(payload []byte) (string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to open chunk payload: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("failed to decompress chunk payload: %w", err)
	}
	return string(body), nil
}
