// Package sink receives the globally ordered operation stream.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"

	"github.com/starford/raido/internal/models"
)

// Sink accepts ordered operations. Implementations own serialization;
// emitted operations are never retracted.
type Sink interface {
	Write(op models.Operation) error
	Close() error
}

// Capture buffers operations in memory. Test helper.
type Capture struct {
	Ops []models.Operation
}

func (c *Capture) Write(op models.Operation) error {
	c.Ops = append(c.Ops, op)
	return nil
}

func (c *Capture) Close() error { return nil }

// FileSink writes one "subject predicate object op timestamp" line per
// operation, optionally bz2-compressed.
type FileSink struct {
	f    *os.File
	bz   *bzip2.Writer
	bw   *bufio.Writer
	w    io.Writer
	path string
}

// NewFileSink creates the output file at path. With compress set, a ".bz2"
// suffix is appended when missing.
func NewFileSink(path string, compress bool) (*FileSink, error) {
	if compress && !strings.HasSuffix(path, ".bz2") {
		path += ".bz2"
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: create %s: %w", path, err)
	}
	s := &FileSink{f: f, path: path}
	if compress {
		bz, err := bzip2.NewWriter(f, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("sink: init compressor: %w", err)
		}
		s.bz = bz
		s.bw = bufio.NewWriter(bz)
	} else {
		s.bw = bufio.NewWriter(f)
	}
	s.w = s.bw
	return s, nil
}

// Path returns the final output path (after any suffix adjustment).
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Write(op models.Operation) error {
	_, err := fmt.Fprintf(s.w, "%s %s %s %s %s\n",
		op.Triple.Subject,
		op.Triple.Predicate,
		op.Triple.Object.Token(),
		op.Kind,
		op.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("sink: write: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("sink: flush: %w", err)
	}
	if s.bz != nil {
		if err := s.bz.Close(); err != nil {
			return fmt.Errorf("sink: close compressor: %w", err)
		}
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("sink: close: %w", err)
	}
	return nil
}
