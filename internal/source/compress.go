package source

import (
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

// openStream opens file and wraps it with its decompressor. The returned
// closer releases both.
func openStream(fs afero.Fs, file SourceFile) (io.Reader, io.Closer, error) {
	f, err := fs.Open(file.Path)
	if err != nil {
		return nil, nil, err
	}
	r, closer, err := decompress(f, file.Compression)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("open %s: %w", file.Path, err)
	}
	return r, multiCloser{closer, f}, nil
}

func decompress(r io.Reader, c Compression) (io.Reader, io.Closer, error) {
	switch c {
	case NoCompression:
		return r, nopCloser{}, nil
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return gz, gz, nil
	case Bzip2:
		return bzip2.NewReader(r), nopCloser{}, nil
	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("xz: %w", err)
		}
		return xr, nopCloser{}, nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return dec, closerFunc(func() error { dec.Close(); return nil }), nil
	}
	return nil, nil, fmt.Errorf("%w: compression %q", ErrUnsupportedFormat, c)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
