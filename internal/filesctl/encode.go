package filesctl

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Encode compresses data according to the destination suffix. Plain
// destinations get the tar bytes unchanged.
func Encode(dest string, data []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(dest, ".tar.zst"):
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case strings.HasSuffix(dest, ".tar.gz"), strings.HasSuffix(dest, ".tgz"):
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

func ContentType(dest string) string {
	switch {
	case strings.HasSuffix(dest, ".tar.zst"):
		return "application/zstd"
	case strings.HasSuffix(dest, ".tar.gz"), strings.HasSuffix(dest, ".tgz"):
		return "application/gzip"
	default:
		return "application/x-tar"
	}
}
