// Package spool persists one shard's operations as sorted on-disk runs and
// merges them back into a single shard-ordered stream.
//
// A worker emits operations page by page; each page's operations form one
// run that is already in canonical order. Runs from different pages overlap
// in time, so the shard-wide order the coordinator needs is produced by
// merging the runs — with a bounded fan-in and intermediate spill files, the
// memory high-water mark stays at one buffered operation per open run no
// matter how many pages the shard holds. Disk, not RAM, buffers the shard.
package spool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/starford/raido/internal/merge"
	"github.com/starford/raido/internal/models"
)

// index is the sidecar recording run boundaries, written next to the spool
// so interrupted runs can be resumed without rescanning.
type index struct {
	Runs  []int64 `json:"runs"` // byte offset where each run starts
	Count int64   `json:"count"`
}

func indexPath(path string) string { return path + ".idx" }

// Writer appends runs of operations to a spool file as JSON lines.
type Writer struct {
	f     *os.File
	bw    *bufio.Writer
	path  string
	off   int64
	runs  []int64
	count int64
}

// Create creates (or truncates) a spool at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("spool: create %s: %w", path, err)
	}
	return &Writer{f: f, bw: bufio.NewWriter(f), path: path}, nil
}

// WriteRun appends one run. ops must already be in canonical order (a single
// page's operations always are). Empty runs are dropped.
func (w *Writer) WriteRun(ops []models.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	w.runs = append(w.runs, w.off)
	for _, op := range ops {
		line, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("spool: encode: %w", err)
		}
		line = append(line, '\n')
		n, err := w.bw.Write(line)
		if err != nil {
			return fmt.Errorf("spool: write: %w", err)
		}
		w.off += int64(n)
		w.count++
	}
	return nil
}

// CopyRun drains src into a single run. src must be ordered.
func (w *Writer) CopyRun(src merge.Stream) error {
	w.runs = append(w.runs, w.off)
	started := false
	for {
		op, ok, err := src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		started = true
		line, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("spool: encode: %w", err)
		}
		line = append(line, '\n')
		n, err := w.bw.Write(line)
		if err != nil {
			return fmt.Errorf("spool: write: %w", err)
		}
		w.off += int64(n)
		w.count++
	}
	if !started {
		w.runs = w.runs[:len(w.runs)-1]
	}
	return nil
}

// Count returns the number of operations written so far.
func (w *Writer) Count() int64 { return w.count }

// Close flushes the spool and writes its run index sidecar.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("spool: flush: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("spool: close: %w", err)
	}
	idx, err := json.Marshal(index{Runs: w.runs, Count: w.count})
	if err != nil {
		return fmt.Errorf("spool: encode index: %w", err)
	}
	if err := os.WriteFile(indexPath(w.path), idx, 0o644); err != nil {
		return fmt.Errorf("spool: write index: %w", err)
	}
	return nil
}

// Discard removes a partially written spool (shard-failure cleanup).
func (w *Writer) Discard() {
	_ = w.f.Close()
	_ = os.Remove(w.path)
	_ = os.Remove(indexPath(w.path))
}

// Remove deletes the spool at path and its sidecar.
func Remove(path string) {
	_ = os.Remove(path)
	_ = os.Remove(indexPath(path))
}

// Reader reads a finished spool back for merging.
type Reader struct {
	f     *os.File
	path  string
	size  int64
	idx   index
	temps []*Reader // intermediate merge spills, closed and removed with the parent
}

// Open opens the spool at path.
func Open(path string) (*Reader, error) {
	raw, err := os.ReadFile(indexPath(path))
	if err != nil {
		return nil, fmt.Errorf("spool: read index %s: %w", path, err)
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("spool: parse index %s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("spool: stat %s: %w", path, err)
	}
	return &Reader{f: f, path: path, size: st.Size(), idx: idx}, nil
}

// Count returns the number of operations in the spool.
func (r *Reader) Count() int64 { return r.idx.Count }

// Close closes the spool and removes any intermediate spill files.
func (r *Reader) Close() error {
	for _, t := range r.temps {
		_ = t.f.Close()
		Remove(t.path)
	}
	return r.f.Close()
}

// runStream decodes one run as a merge.Stream.
type runStream struct {
	dec *json.Decoder
}

func (r *Reader) run(i int) merge.Stream {
	start := r.idx.Runs[i]
	end := r.size
	if i+1 < len(r.idx.Runs) {
		end = r.idx.Runs[i+1]
	}
	sec := io.NewSectionReader(r.f, start, end-start)
	return &runStream{dec: json.NewDecoder(bufio.NewReaderSize(sec, 16*1024))}
}

func (s *runStream) Next() (models.Operation, bool, error) {
	var op models.Operation
	if err := s.dec.Decode(&op); err != nil {
		if err == io.EOF {
			return models.Operation{}, false, nil
		}
		return models.Operation{}, false, fmt.Errorf("spool: decode: %w", err)
	}
	return op, true, nil
}

// Stream returns the spool's operations in canonical order. When the spool
// holds more runs than fanIn, groups of runs are pre-merged into temporary
// single-run spools pass by pass until one merge level remains, keeping the
// number of simultaneously open run readers bounded by fanIn.
func (r *Reader) Stream(fanIn int) (merge.Stream, error) {
	if fanIn < 2 {
		fanIn = 2
	}
	streams := make([]merge.Stream, len(r.idx.Runs))
	for i := range r.idx.Runs {
		streams[i] = r.run(i)
	}

	level := 0
	for len(streams) > fanIn {
		var next []merge.Stream
		for i := 0; i < len(streams); i += fanIn {
			end := i + fanIn
			if end > len(streams) {
				end = len(streams)
			}
			group := streams[i:end]
			if len(group) == 1 {
				next = append(next, group[0])
				continue
			}
			tmpPath := fmt.Sprintf("%s.m%d.%d", r.path, level, i)
			tw, err := Create(tmpPath)
			if err != nil {
				return nil, err
			}
			if err := tw.CopyRun(merge.New(group...)); err != nil {
				tw.Discard()
				return nil, err
			}
			if err := tw.Close(); err != nil {
				return nil, err
			}
			tr, err := Open(tmpPath)
			if err != nil {
				return nil, err
			}
			// Spill readers share the parent's lifetime; their files are
			// closed and removed when the parent Reader closes.
			r.temps = append(r.temps, tr)
			if len(tr.idx.Runs) > 0 {
				next = append(next, tr.run(0))
			}
		}
		streams = next
		level++
	}
	return merge.New(streams...), nil
}
