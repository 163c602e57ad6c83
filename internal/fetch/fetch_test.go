package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/raido/internal/archive"
	"github.com/starford/raido/internal/checksum"
	"github.com/starford/raido/internal/testutil"
)

const shardName = "wikidatawiki-20190901-pages-meta-history1.xml-p1p243.bz2"

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mirror serves a minimal dump index with one history archive and a
// checksum file.
func mirror(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	sum, err := checksum.MD5Reader(strings.NewReader(string(payload)))
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/wikidatawiki/20190901/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><ul>
			<li><a href="/wikidatawiki/20190901/%s">%s</a></li>
			<li><a href="/wikidatawiki/20190901/wikidatawiki-20190901-pages-articles.xml.bz2">wikidatawiki-20190901-pages-articles.xml.bz2</a></li>
			<li><a href="/wikidatawiki/20190901/md5sums-wikidatawiki-20190901.txt">md5sums</a></li>
		</ul></body></html>`, shardName, shardName)
	})
	mux.HandleFunc("/wikidatawiki/20190901/md5sums-wikidatawiki-20190901.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s  %s\n%s  wikidatawiki-20190901-pages-articles.xml.bz2\n", sum, shardName, "0000")
	})
	mux.HandleFunc("/wikidatawiki/20190901/"+shardName, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestListHistoryDumps(t *testing.T) {
	srv := mirror(t, []byte("payload"))
	c := NewClient(srv.URL, discard())

	dumps, err := c.ListHistoryDumps(context.Background(), "20190901")
	if err != nil {
		t.Fatal(err)
	}
	if len(dumps) != 1 {
		t.Fatalf("len(dumps) = %d, want 1 (articles dump excluded)", len(dumps))
	}
	if dumps[0].Name != shardName {
		t.Errorf("name = %q", dumps[0].Name)
	}
	if !strings.HasPrefix(dumps[0].URL, srv.URL) {
		t.Errorf("url = %q not resolved against mirror", dumps[0].URL)
	}
}

func TestChecksums(t *testing.T) {
	srv := mirror(t, []byte("payload"))
	c := NewClient(srv.URL, discard())

	sums, err := c.Checksums(context.Background(), "20190901")
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 {
		t.Fatalf("len(sums) = %d, want 1 (non-history entries excluded)", len(sums))
	}
	if _, ok := sums[shardName]; !ok {
		t.Errorf("missing checksum for %s: %v", shardName, sums)
	}
}

func TestDownload_VerifiesChecksum(t *testing.T) {
	payload := []byte("the shard bytes")
	srv := mirror(t, payload)
	c := NewClient(srv.URL, discard())
	dir := t.TempDir()

	df := DumpFile{Name: shardName, URL: srv.URL + "/wikidatawiki/20190901/" + shardName}
	sum, _ := checksum.MD5Reader(strings.NewReader(string(payload)))

	path, err := c.Download(context.Background(), df, dir, sum)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("content mismatch")
	}
	if onDisk, err := checksum.MD5File(path); err != nil || onDisk != sum {
		t.Errorf("MD5File(path) = %q, %v, want %q", onDisk, err, sum)
	}
	if _, err := os.Stat(path + ".partial"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestDownload_ChecksumMismatch(t *testing.T) {
	srv := mirror(t, []byte("the shard bytes"))
	c := NewClient(srv.URL, discard())
	dir := t.TempDir()

	df := DumpFile{Name: shardName, URL: srv.URL + "/wikidatawiki/20190901/" + shardName}
	_, err := c.Download(context.Background(), df, dir, "deadbeef")
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("mismatched download left files: %v", entries)
	}
}

func TestSync_SkipsVerifiedDownloads(t *testing.T) {
	payload := []byte("the shard bytes")
	srv := mirror(t, payload)
	c := NewClient(srv.URL, discard())
	store := testutil.TestStore(t)
	dir := t.TempDir()

	paths, err := c.Sync(context.Background(), "20190901", dir, store)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 {
		t.Fatalf("len(paths) = %d, want 1", len(paths))
	}

	// Second sync hits the marker and skips the transfer; corrupting the
	// local file proves it was not re-downloaded.
	if err := os.WriteFile(paths[0], []byte("local edit"), 0o644); err != nil {
		t.Fatal(err)
	}
	paths, err = c.Sync(context.Background(), "20190901", dir, store)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(paths[0])
	if string(got) != "local edit" {
		t.Error("verified download was re-fetched")
	}
}

func TestSync_RedownloadsWhenFileMissing(t *testing.T) {
	payload := []byte("the shard bytes")
	srv := mirror(t, payload)
	c := NewClient(srv.URL, discard())
	store := testutil.TestStore(t)
	dir := t.TempDir()

	paths, err := c.Sync(context.Background(), "20190901", dir, store)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(paths[0]); err != nil {
		t.Fatal(err)
	}

	paths, err = c.Sync(context.Background(), "20190901", dir, store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(paths[0]); err != nil {
		t.Errorf("file not restored: %v", err)
	}
}

func TestSync_ErrorOnEmptyListing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/wikidatawiki/20190901/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>no dumps yet</body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, discard())
	if _, err := c.Sync(context.Background(), "20190901", t.TempDir(), testutil.TestStore(t)); err == nil {
		t.Error("expected error for empty listing")
	}
}

func TestWatch_EmitsExistingAndNewArchives(t *testing.T) {
	dir := t.TempDir()
	pre := filepath.Join(dir, "wikidatawiki-pages-meta-history1.xml.bz2")
	if err := os.WriteFile(pre, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := make(chan archive.Source, 8)
	errCh := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() {
		errCh <- Watch(ctx, dir, 2, discard(), out)
	}()

	// The pre-existing archive is emitted immediately.
	var got []string
	select {
	case src := <-out:
		got = append(got, src.ID())
	case <-ctx.Done():
		t.Fatal("timed out waiting for existing archive")
	}

	// A file landing later is emitted once its size stops changing.
	late := filepath.Join(dir, "wikidatawiki-pages-meta-history2.xml.bz2")
	if err := os.WriteFile(late, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case src := <-out:
		got = append(got, src.ID())
	case <-ctx.Done():
		t.Fatal("timed out waiting for new archive")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
	if got[0] != filepath.Base(pre) || got[1] != filepath.Base(late) {
		t.Errorf("emissions = %v", got)
	}

	// After expect archives the channel closes.
	if _, open := <-out; open {
		t.Error("out channel not closed after expected count")
	}
}

func TestWatch_IgnoresNonHistoryFiles(t *testing.T) {
	dir := t.TempDir()
	out := make(chan archive.Source, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- Watch(ctx, dir, 0, discard(), out)
	}()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "history1.bz2.partial"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case src, open := <-out:
		if open {
			t.Errorf("unexpected emission: %s", src.ID())
		}
	case <-ctx.Done():
	}
	if err := <-errCh; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}
