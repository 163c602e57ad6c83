package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/archive"
	"github.com/starford/raido/internal/checkpoint"
	"github.com/starford/raido/internal/merge"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/refine"
	"github.com/starford/raido/internal/report"
	"github.com/starford/raido/internal/sink"
	"github.com/starford/raido/internal/spool"
)

const defaultMergeFanIn = 64

// Coordinator runs shard workers under a parallelism budget and merges their
// spools into one globally time-ordered stream for the sink.
//
// The run is two-phased: workers first spool every shard (disk buffers the
// per-shard streams, so the budget can be smaller than the shard count
// without stalling the merge), then a streaming k-way merge over the
// completed spools feeds the refined stream to the sink. A failed shard is
// removed from the merge; the run always completes with everything that
// could be validly derived.
type Coordinator struct {
	Workers    int
	SpoolDir   string
	MergeFanIn int

	Store  *checkpoint.Store // may be nil (tests)
	Broker *report.Broker    // may be nil (tests)
	Logger *slog.Logger
	Sink   sink.Sink

	ResolveRedirects bool
	Filter           *refine.Filter
	Guard            bool

	mu      sync.Mutex
	settled []settledShard
}

type settledShard struct {
	id     string
	spool  string
	failed bool
}

// Run processes the given shard sources.
func (c *Coordinator) Run(ctx context.Context, sources []archive.Source) error {
	ch := make(chan archive.Source, len(sources))
	for _, src := range sources {
		ch <- src
	}
	close(ch)
	if c.Broker != nil {
		c.Broker.SetShardsTotal(len(sources))
	}
	return c.RunStream(ctx, ch)
}

// RunStream processes shard sources as they arrive on ch (closed by the
// producer when no more shards are coming), then merges. Cancellation stops
// scheduling new shards and lets in-flight ones stop at their next page
// boundary; already-spooled output is kept for a future resume.
func (c *Coordinator) RunStream(ctx context.Context, ch <-chan archive.Source) error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if err := os.MkdirAll(c.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("extract: create spool dir: %w", err)
	}

	if c.Broker != nil {
		c.Broker.SetPhase("extract")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Workers)

	for src := range ch {
		if gctx.Err() != nil {
			break
		}
		src := src
		g.Go(func() error {
			return c.runShard(gctx, src)
		})
	}
	if err := g.Wait(); err != nil {
		// Only cancellation propagates out of runShard.
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.mergePhase(ctx)
}

// runShard executes one worker. Shard failures are absorbed here (recorded,
// reported, spool discarded); only cancellation is returned.
func (c *Coordinator) runShard(ctx context.Context, src archive.Source) error {
	id := src.ID()
	spoolPath := c.spoolPath(id)

	if c.Store != nil {
		state, err := c.Store.ShardState(id)
		if err != nil {
			return err
		}
		if state == checkpoint.ShardDone {
			if _, err := os.Stat(spoolPath); err == nil {
				c.Logger.Info("shard already spooled, skipping", slog.String("shard", id))
				c.settle(settledShard{id: id, spool: spoolPath})
				if c.Broker != nil {
					c.Broker.ShardDone()
				}
				return nil
			}
		}
	}

	c.Logger.Info("shard started", slog.String("shard", id))
	w := &worker{src: src, spool: spoolPath, store: c.Store, broker: c.Broker, logger: c.Logger}

	n, err := w.run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var sf *apperr.ShardFailure
		detail := err.Error()
		if errors.As(err, &sf) {
			detail = sf.Err.Error()
		}
		c.Logger.Error("shard failed", slog.String("shard", id), slog.String("error", detail))
		c.settle(settledShard{id: id, failed: true})
		if c.Broker != nil {
			c.Broker.ShardFailed()
			c.Broker.PublishFailure(report.Failure{Shard: id, Kind: "shard-failure", Detail: detail})
		}
		if c.Store != nil {
			if serr := c.Store.MarkShardFailed(id, detail); serr != nil {
				c.Logger.Warn("mark shard failed", slog.String("error", serr.Error()))
			}
			if serr := c.Store.AddFailure(id, "", "shard-failure", detail); serr != nil {
				c.Logger.Warn("persist shard failure", slog.String("error", serr.Error()))
			}
		}
		return nil // partial-success policy: the run continues
	}

	c.Logger.Info("shard spooled", slog.String("shard", id), slog.Int64("operations", n))
	c.settle(settledShard{id: id, spool: spoolPath})
	if c.Broker != nil {
		c.Broker.ShardDone()
	}
	if c.Store != nil {
		if serr := c.Store.MarkShardDone(id, n); serr != nil {
			c.Logger.Warn("mark shard done", slog.String("error", serr.Error()))
		}
	}
	return nil
}

// mergePhase streams the k-way merge of all settled spools through the
// refinement transforms into the sink.
func (c *Coordinator) mergePhase(ctx context.Context) error {
	if c.Broker != nil {
		c.Broker.SetPhase("merge")
	}

	var redirects refine.Redirects
	if c.ResolveRedirects && c.Store != nil {
		m, err := c.Store.Redirects()
		if err != nil {
			return err
		}
		redirects = m
	}

	fanIn := c.MergeFanIn
	if fanIn < 2 {
		fanIn = defaultMergeFanIn
	}

	var streams []merge.Stream
	var readers []*spool.Reader
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	c.mu.Lock()
	settled := make([]settledShard, len(c.settled))
	copy(settled, c.settled)
	c.mu.Unlock()

	for _, s := range settled {
		if s.failed {
			continue
		}
		r, err := spool.Open(s.spool)
		if err != nil {
			return fmt.Errorf("extract: open spool for %s: %w", s.id, err)
		}
		readers = append(readers, r)
		st, err := r.Stream(fanIn)
		if err != nil {
			return fmt.Errorf("extract: order spool for %s: %w", s.id, err)
		}
		streams = append(streams, st)
	}

	refined := refine.New(merge.New(streams...), redirects, c.Filter, c.Guard,
		func(op models.Operation, reason string) {
			if c.Broker != nil {
				c.Broker.PublishFailure(report.Failure{
					Shard: op.Shard, Page: op.Page, Kind: "inconsistent-operation",
					Detail: fmt.Sprintf("%s: %s %s", reason, op.Kind, op.Triple),
				})
			}
		})

	var emitted int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		op, ok, err := refined.Next()
		if err != nil {
			return fmt.Errorf("extract: merge: %w", err)
		}
		if !ok {
			break
		}
		if err := c.Sink.Write(op); err != nil {
			return err
		}
		emitted++
		if c.Broker != nil && emitted%10000 == 0 {
			c.Broker.AddEmitted(10000)
		}
	}
	if c.Broker != nil {
		c.Broker.AddEmitted(emitted % 10000)
		c.Broker.SetPhase("done")
	}
	c.Logger.Info("merge completed", slog.Int64("operations", emitted))
	return nil
}

func (c *Coordinator) spoolPath(shard string) string {
	return filepath.Join(c.SpoolDir, shard+".spool")
}

func (c *Coordinator) settle(s settledShard) {
	c.mu.Lock()
	c.settled = append(c.settled, s)
	c.mu.Unlock()
}
