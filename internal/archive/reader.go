package archive

import (
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"

	"github.com/starford/raido/internal/apperr"
)

// NewReader wraps r with streaming bz2 decompression. Memory stays bounded
// regardless of archive size; the stream is consumed once and is not
// seekable (restart via Source.Open instead). Integrity failures surface as
// apperr.ErrCorruptArchive.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	br, err := bzip2.NewReader(r, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init decompressor: %v", apperr.ErrCorruptArchive, err)
	}
	return &reader{br: br}, nil
}

type reader struct {
	br *bzip2.Reader
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: decompress: %v", apperr.ErrCorruptArchive, err)
	}
	return n, err
}

func (r *reader) Close() error {
	return r.br.Close()
}
