package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/raido/internal/archive"
	"github.com/starford/raido/internal/checkpoint"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/sink"
	"github.com/starford/raido/internal/testutil"
)

// itemContent builds revision JSON with entity-valued claims only, which is
// all the pipeline-level tests need.
func itemContent(t *testing.T, id string, claims map[string][]string) string {
	t.Helper()
	cm := map[string]any{}
	for pred, qids := range claims {
		arr := []any{}
		for _, q := range qids {
			arr = append(arr, map[string]any{
				"mainsnak": map[string]any{
					"snaktype": "value",
					"property": pred,
					"datavalue": map[string]any{
						"type":  "wikibase-entityid",
						"value": map[string]any{"entity-type": "item", "id": q},
					},
				},
				"rank": "normal",
			})
		}
		cm[pred] = arr
	}
	raw, err := json.Marshal(map[string]any{"type": "item", "id": id, "claims": cm})
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func coordinator(t *testing.T, workers int, out *sink.Capture) *Coordinator {
	t.Helper()
	return &Coordinator{
		Workers:  workers,
		SpoolDir: t.TempDir(),
		Sink:     out,
		Guard:    true,
	}
}

func fixtureShards(t *testing.T) []archive.Source {
	t.Helper()
	shard1 := testutil.BzipDump(t,
		testutil.DumpPage{Title: "Q1", ID: 1, Revisions: []testutil.DumpRevision{
			{ID: 100, Timestamp: "2019-01-01T00:00:00Z",
				Content: itemContent(t, "Q1", map[string][]string{"P31": {"Q5"}})},
			{ID: 101, Timestamp: "2019-01-03T00:00:00Z",
				Content: itemContent(t, "Q1", map[string][]string{"P31": {"Q6"}})},
		}},
	)
	shard2 := testutil.BzipDump(t,
		testutil.DumpPage{Title: "Q2", ID: 2, Revisions: []testutil.DumpRevision{
			{ID: 200, Timestamp: "2019-01-02T00:00:00Z",
				Content: itemContent(t, "Q2", map[string][]string{"P31": {"Q5"}, "P19": {"Q60"}})},
		}},
	)
	return []archive.Source{
		testutil.MemSource{Name: "pages-meta-history1.xml.bz2", Data: shard1},
		testutil.MemSource{Name: "pages-meta-history2.xml.bz2", Data: shard2},
	}
}

func line(op models.Operation) string {
	return fmt.Sprintf("%s %s %s %s %s", op.Triple.Subject, op.Triple.Predicate,
		op.Triple.Object.Token(), op.Kind, op.Timestamp.UTC().Format(time.RFC3339))
}

func TestRun_GlobalOrder(t *testing.T) {
	var captured sink.Capture
	c := coordinator(t, 2, &captured)

	if err := c.Run(context.Background(), fixtureShards(t)); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		"Q1 P31 Q5 + 2019-01-01T00:00:00Z",
		"Q2 P19 Q60 + 2019-01-02T00:00:00Z",
		"Q2 P31 Q5 + 2019-01-02T00:00:00Z",
		"Q1 P31 Q5 - 2019-01-03T00:00:00Z",
		"Q1 P31 Q6 + 2019-01-03T00:00:00Z",
	}
	if len(captured.Ops) != len(want) {
		t.Fatalf("len(ops) = %d, want %d:\n%v", len(captured.Ops), len(want), captured.Ops)
	}
	for i, op := range captured.Ops {
		if got := line(op); got != want[i] {
			t.Errorf("ops[%d] = %q, want %q", i, got, want[i])
		}
	}
	for i := 1; i < len(captured.Ops); i++ {
		if captured.Ops[i].Before(captured.Ops[i-1]) {
			t.Errorf("ops[%d] precedes ops[%d]", i, i-1)
		}
	}
}

func TestRun_AlternationInvariant(t *testing.T) {
	// One page flapping a value across many revisions plus a second shard
	// overlapping in time.
	var revs []testutil.DumpRevision
	for i := 0; i < 6; i++ {
		q := "Q5"
		if i%2 == 1 {
			q = "Q6"
		}
		revs = append(revs, testutil.DumpRevision{
			ID:        int64(100 + i),
			Timestamp: fmt.Sprintf("2019-01-%02dT00:00:00Z", i+1),
			Content:   itemContent(t, "Q1", map[string][]string{"P31": {q}}),
		})
	}
	sources := []archive.Source{
		testutil.MemSource{Name: "pages-meta-history1.xml.bz2", Data: testutil.BzipDump(t,
			testutil.DumpPage{Title: "Q1", ID: 1, Revisions: revs})},
		testutil.MemSource{Name: "pages-meta-history2.xml.bz2", Data: testutil.BzipDump(t,
			testutil.DumpPage{Title: "Q2", ID: 2, Revisions: []testutil.DumpRevision{
				{ID: 200, Timestamp: "2019-01-03T12:00:00Z",
					Content: itemContent(t, "Q2", map[string][]string{"P31": {"Q5"}})},
			}})},
	}

	var captured sink.Capture
	c := coordinator(t, 2, &captured)
	if err := c.Run(context.Background(), sources); err != nil {
		t.Fatalf("run: %v", err)
	}

	last := make(map[string]models.OpKind)
	for _, op := range captured.Ops {
		key := op.Triple.Key()
		prev, seen := last[key]
		if !seen && op.Kind != models.OpAdd {
			t.Errorf("first op for %s is %s", key, op.Kind)
		}
		if seen && prev == op.Kind {
			t.Errorf("consecutive %s ops for %s", op.Kind, key)
		}
		last[key] = op.Kind
	}
}

func TestRun_PartialFailureKeepsOtherShards(t *testing.T) {
	store := testutil.TestStore(t)
	var captured sink.Capture
	c := coordinator(t, 2, &captured)
	c.Store = store

	good := fixtureShards(t)[0]
	bad := testutil.MemSource{Name: "pages-meta-history9.xml.bz2", Data: []byte("not a bz2 archive at all")}

	if err := c.Run(context.Background(), []archive.Source{good, bad}); err != nil {
		t.Fatalf("run must absorb shard failures: %v", err)
	}

	if len(captured.Ops) != 3 {
		t.Errorf("len(ops) = %d, want 3 from the good shard", len(captured.Ops))
	}
	state, err := store.ShardState(bad.Name)
	if err != nil {
		t.Fatal(err)
	}
	if state != checkpoint.ShardFailed {
		t.Errorf("bad shard state = %q, want failed", state)
	}
	n, err := store.FailureCount()
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("shard failure not recorded on the report channel")
	}
}

type openGauge struct {
	active int32
	max    int32
}

func (g *openGauge) enter() {
	a := atomic.AddInt32(&g.active, 1)
	for {
		m := atomic.LoadInt32(&g.max)
		if a <= m || atomic.CompareAndSwapInt32(&g.max, m, a) {
			return
		}
	}
}

func (g *openGauge) leave() { atomic.AddInt32(&g.active, -1) }

type gaugedSource struct {
	testutil.MemSource
	g *openGauge
}

func (s gaugedSource) Open() (io.ReadCloser, error) {
	s.g.enter()
	rc, err := s.MemSource.Open()
	if err != nil {
		s.g.leave()
		return nil, err
	}
	return gaugedCloser{ReadCloser: rc, g: s.g}, nil
}

type gaugedCloser struct {
	io.ReadCloser
	g *openGauge
}

func (c gaugedCloser) Close() error {
	c.g.leave()
	return c.ReadCloser.Close()
}

func TestRun_WorkerBudgetRespected(t *testing.T) {
	var g openGauge
	data := testutil.BzipDump(t, testutil.DumpPage{Title: "Q1", ID: 1, Revisions: []testutil.DumpRevision{
		{ID: 100, Timestamp: "2019-01-01T00:00:00Z",
			Content: itemContent(t, "Q1", map[string][]string{"P31": {"Q5"}})},
	}})

	var sources []archive.Source
	for i := 0; i < 4; i++ {
		sources = append(sources, gaugedSource{
			MemSource: testutil.MemSource{Name: fmt.Sprintf("pages-meta-history%d.xml.bz2", i+1), Data: data},
			g:         &g,
		})
	}

	var captured sink.Capture
	c := coordinator(t, 1, &captured)
	// All four shards carry the same triple; the guard would fold the
	// duplicates and hide a miscount.
	c.Guard = false
	if err := c.Run(context.Background(), sources); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := atomic.LoadInt32(&g.max); got > 1 {
		t.Errorf("max concurrent open shards = %d, budget is 1", got)
	}
	if len(captured.Ops) != 4 {
		t.Errorf("len(ops) = %d, want 4", len(captured.Ops))
	}
}

func TestRun_Deterministic(t *testing.T) {
	run := func() []string {
		var captured sink.Capture
		c := coordinator(t, 2, &captured)
		if err := c.Run(context.Background(), fixtureShards(t)); err != nil {
			t.Fatalf("run: %v", err)
		}
		var lines []string
		for _, op := range captured.Ops {
			lines = append(lines, line(op))
		}
		return lines
	}

	first := run()
	for i := 0; i < 3; i++ {
		again := run()
		if len(again) != len(first) {
			t.Fatalf("run %d: length diverged", i)
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("run %d: line %d diverged:\n%s\n%s", i, j, first[j], again[j])
			}
		}
	}
}

func TestRun_RedirectResolution(t *testing.T) {
	store := testutil.TestStore(t)

	data := testutil.BzipDump(t,
		testutil.DumpPage{Title: "Q99", ID: 99, Redirect: "Q42", Revisions: []testutil.DumpRevision{
			{ID: 300, Timestamp: "2019-01-05T00:00:00Z", Content: `{"entity":"Q99","redirect":"Q42"}`},
		}},
		testutil.DumpPage{Title: "Q1", ID: 1, Revisions: []testutil.DumpRevision{
			{ID: 100, Timestamp: "2019-01-01T00:00:00Z",
				Content: itemContent(t, "Q1", map[string][]string{"P361": {"Q99"}})},
		}},
	)

	var captured sink.Capture
	c := coordinator(t, 1, &captured)
	c.Store = store
	c.ResolveRedirects = true

	src := []archive.Source{testutil.MemSource{Name: "pages-meta-history1.xml.bz2", Data: data}}
	if err := c.Run(context.Background(), src); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(captured.Ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1 (redirect page itself contributes none)", len(captured.Ops))
	}
	if got := captured.Ops[0].Triple.Object.Entity; got != "Q42" {
		t.Errorf("object = %s, want redirect target Q42", got)
	}
}

func TestRun_ResumeSkipsSpooledShards(t *testing.T) {
	store := testutil.TestStore(t)
	spoolDir := t.TempDir()

	mk := func(sources []archive.Source) ([]models.Operation, error) {
		var captured sink.Capture
		c := &Coordinator{
			Workers:  2,
			SpoolDir: spoolDir,
			Store:    store,
			Sink:     &captured,
			Guard:    true,
		}
		err := c.Run(context.Background(), sources)
		return captured.Ops, err
	}

	first, err := mk(fixtureShards(t))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Second run with unreadable sources under the same shard names: the
	// spools from the checkpointed first run must carry it.
	broken := []archive.Source{
		testutil.MemSource{Name: "pages-meta-history1.xml.bz2", Data: []byte("garbage")},
		testutil.MemSource{Name: "pages-meta-history2.xml.bz2", Data: []byte("garbage")},
	}
	second, err := mk(broken)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("resume produced %d ops, first run %d", len(second), len(first))
	}
	for i := range first {
		if line(first[i]) != line(second[i]) {
			t.Errorf("op %d diverged on resume", i)
		}
	}
}

func TestRunStream_ConsumesArrivingShards(t *testing.T) {
	shards := fixtureShards(t)
	ch := make(chan archive.Source)
	go func() {
		for _, s := range shards {
			ch <- s
			time.Sleep(10 * time.Millisecond)
		}
		close(ch)
	}()

	var captured sink.Capture
	c := coordinator(t, 2, &captured)
	if err := c.RunStream(context.Background(), ch); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(captured.Ops) != 5 {
		t.Errorf("len(ops) = %d, want 5", len(captured.Ops))
	}
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var captured sink.Capture
	c := coordinator(t, 1, &captured)
	if err := c.Run(ctx, fixtureShards(t)); err == nil {
		t.Error("expected context error from cancelled run")
	}
}
