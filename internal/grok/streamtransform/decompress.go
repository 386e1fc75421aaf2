package streamtransform

import (
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// DecompressBody wraps r with the decoder matching contentEncoding, so a line
// reader over the result sees plain NDJSON bytes whether the body arrived as
// br, zstd or gzip. Run does not call it; it reads its body as given.
func DecompressBody(contentEncoding string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "br", "brotli":
		return brotli.NewReader(r), nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case "gzip":
		return gzip.NewReader(r)
	default:
		return r, nil
	}
}
