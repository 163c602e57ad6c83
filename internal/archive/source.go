// Package archive provides shard byte sources and streaming decompression of
// revision-history archives.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// Source is an opaque readable byte source for one shard. Sources are
// restartable from scratch: every Open returns a fresh reader positioned at
// the beginning of the archive.
type Source interface {
	// ID returns the shard identifier, used for merge tie-breaking and
	// failure reporting. IDs are unique within a run.
	ID() string
	// Open returns a reader over the shard's raw (compressed) bytes.
	Open() (io.ReadCloser, error)
}

// historyFileRe matches the revision-history archives of a dump. Shards are
// disjoint partitions of the page space, one archive file each.
var historyFileRe = regexp.MustCompile(`pages-meta-history.*\.bz2$`)

// IsHistoryFile reports whether name looks like a revision-history archive.
func IsHistoryFile(name string) bool {
	return historyFileRe.MatchString(name)
}

// FileSource is a Source backed by a dump file on disk.
type FileSource struct {
	path string
}

// NewFileSource returns a Source for the archive at path.
func NewFileSource(path string) FileSource {
	return FileSource{path: path}
}

// ID returns the archive's base filename.
func (s FileSource) ID() string { return filepath.Base(s.path) }

// Open opens the archive file.
func (s FileSource) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", s.path, err)
	}
	return f, nil
}

// ScanDir returns one Source per revision-history archive under dir, ordered
// by filename so runs are reproducible.
func ScanDir(dir string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: scan %s: %w", dir, err)
	}
	var sources []Source
	for _, e := range entries {
		if e.IsDir() || !IsHistoryFile(e.Name()) {
			continue
		}
		sources = append(sources, NewFileSource(filepath.Join(dir, e.Name())))
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID() < sources[j].ID() })
	return sources, nil
}
