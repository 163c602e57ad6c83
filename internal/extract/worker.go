// Package extract orchestrates shard workers and the global merge: it is the
// only place aware of multiple shards at once.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/archive"
	"github.com/starford/raido/internal/checkpoint"
	"github.com/starford/raido/internal/diff"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/parser"
	"github.com/starford/raido/internal/report"
	"github.com/starford/raido/internal/snapshot"
	"github.com/starford/raido/internal/spool"
)

// worker processes one shard: Reader → Parser → Decoder → Differ, spooling
// the resulting operations as one sorted run per page. The rolling previous
// snapshot is owned here for the duration of one page and discarded when the
// page's revision list is exhausted.
type worker struct {
	src    archive.Source
	spool  string
	store  *checkpoint.Store // may be nil (tests)
	broker *report.Broker    // may be nil (tests)
	logger *slog.Logger
}

// run streams the shard end to end and returns the operation count. Archive
// corruption and stream-level parse breakage return a *apperr.ShardFailure
// with the partial spool discarded; everything else is a per-item skip.
func (w *worker) run(ctx context.Context) (int64, error) {
	shard := w.src.ID()

	rc, err := w.src.Open()
	if err != nil {
		return 0, &apperr.ShardFailure{Shard: shard, Err: err}
	}
	defer rc.Close()

	dr, err := archive.NewReader(rc)
	if err != nil {
		return 0, &apperr.ShardFailure{Shard: shard, Err: err}
	}
	defer dr.Close()

	sw, err := spool.Create(w.spool)
	if err != nil {
		return 0, &apperr.ShardFailure{Shard: shard, Err: err}
	}

	p := parser.New(dr, func(page string, warnErr error) {
		w.reportFailure(shard, page, failureKind(warnErr), warnErr.Error())
	})

	var seq uint64
	for {
		if err := ctx.Err(); err != nil {
			sw.Discard()
			return 0, err
		}

		page, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// The rest of the stream is unreadable: shard-fatal.
			sw.Discard()
			return 0, &apperr.ShardFailure{Shard: shard, Err: err}
		}

		ops := w.processPage(shard, page, &seq)
		if len(ops) > 0 {
			// Archive order is already non-decreasing; the stable sort only
			// repairs the rare out-of-order page, preserving emission order
			// within equal timestamps.
			sort.SliceStable(ops, func(i, j int) bool {
				return ops[i].Timestamp.Before(ops[j].Timestamp)
			})
			for i := range ops {
				ops[i].Seq = seq
				seq++
			}
			if err := sw.WriteRun(ops); err != nil {
				sw.Discard()
				return 0, &apperr.ShardFailure{Shard: shard, Err: err}
			}
		}
	}

	if err := sw.Close(); err != nil {
		sw.Discard()
		return 0, &apperr.ShardFailure{Shard: shard, Err: err}
	}
	return sw.Count(), nil
}

// processPage decodes and diffs one page's revisions. All failures here are
// per-revision skips; the page never aborts the shard.
func (w *worker) processPage(shard string, page *models.Page, seq *uint64) []models.Operation {
	counters := report.Counters{Pages: 1, Revisions: int64(len(page.Revisions))}
	defer func() {
		if w.broker != nil {
			w.broker.Advance(counters)
		}
	}()

	if page.RedirectTo != "" {
		if models.IsItemID(page.Title) && models.IsItemID(page.RedirectTo) && w.store != nil {
			if err := w.store.AddRedirect(page.Title, page.RedirectTo); err != nil {
				w.logger.Warn("record redirect failed",
					slog.String("page", page.Title), slog.String("error", err.Error()))
			}
		}
		// Redirected pages contribute no operations of their own; their
		// identifiers are dissolved into the target during refinement.
		return nil
	}
	if !models.IsItemID(page.Title) {
		return nil
	}

	var prev *models.Snapshot
	var ops []models.Operation
	for _, rec := range page.Revisions {
		snap, skip, err := snapshot.Decode(rec)
		if err != nil {
			counters.Skips++
			w.reportFailure(shard, page.Title, failureKind(err),
				fmt.Sprintf("revision %d: %v", rec.ID, err))
			continue
		}
		if skip != snapshot.SkipNone {
			counters.Skips++
			if skip == snapshot.SkipFormat {
				w.reportFailure(shard, page.Title, string(skip),
					fmt.Sprintf("revision %d: format %q", rec.ID, rec.Format))
			}
			continue
		}
		ops = append(ops, diff.Operations(prev, snap, rec.Timestamp, page.Title)...)
		prev = snap
	}
	// prev goes out of scope here: the page's window is closed and nothing
	// about it stays resident.

	for i := range ops {
		ops[i].Shard = shard
	}
	counters.Operations = int64(len(ops))
	return ops
}

func (w *worker) reportFailure(shard, page, kind, detail string) {
	if w.broker != nil {
		w.broker.PublishFailure(report.Failure{Shard: shard, Page: page, Kind: kind, Detail: detail})
	}
	if w.store != nil {
		if err := w.store.AddFailure(shard, page, kind, detail); err != nil {
			w.logger.Warn("persist failure record failed", slog.String("error", err.Error()))
		}
	}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, apperr.ErrCorruptArchive):
		return "corrupt-archive"
	case errors.Is(err, apperr.ErrOutOfOrderRevision):
		return "out-of-order-revision"
	case errors.Is(err, apperr.ErrMalformedContent):
		return "malformed-content"
	default:
		return "data-quality"
	}
}
