package archive

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Open returns the decoded byte stream of a snapshot file. Compressed files
// are expected to hold a single member.
func Open(f File) (io.ReadCloser, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, f.ID.Path, err)
	}
	switch f.Encoding {
	case Gzip:
		zr, err := gzip.NewReader(fh)
		if err != nil {
			fh.Close()
			return nil, fmt.Errorf("gzip header %s: %w", f.ID.Path, err)
		}
		zr.Multistream(false)
		return &stackedReader{Reader: zr, closers: []func() error{zr.Close, fh.Close}}, nil
	case Zstd:
		zr, err := zstd.NewReader(fh, zstd.WithDecoderConcurrency(1))
		if err != nil {
			fh.Close()
			return nil, fmt.Errorf("zstd frame %s: %w", f.ID.Path, err)
		}
		return &stackedReader{Reader: zr, closers: []func() error{
			func() error { zr.Close(); return nil },
			fh.Close,
		}}, nil
	default:
		return fh, nil
	}
}

type stackedReader struct {
	io.Reader
	closers []func() error
}

func (r *stackedReader) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
