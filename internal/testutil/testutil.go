// Package testutil provides shared test helpers for building dump fixtures
// and temporary checkpoint databases.
package testutil

import (
	"bytes"
	"encoding/xml"
	"io"
	"os"
	"strconv"
	"testing"

	"github.com/dsnet/compress/bzip2"

	"github.com/starford/raido/internal/checkpoint"
)

// TestStore creates a temporary checkpoint database that is automatically
// cleaned up.
func TestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "raido-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	store, err := checkpoint.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// DumpRevision describes one revision in a fixture dump. Model and Format
// default to the wikibase item model when empty.
type DumpRevision struct {
	ID        int64
	Timestamp string
	Model     string
	Format    string
	Content   string
}

// DumpPage describes one page in a fixture dump.
type DumpPage struct {
	Title     string
	ID        int64
	Redirect  string
	Revisions []DumpRevision
}

// DumpXML renders pages as a revision-history XML document.
func DumpXML(pages ...DumpPage) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<mediawiki xml:lang="en">` + "\n")
	for _, p := range pages {
		buf.WriteString("  <page>\n")
		writeElem(&buf, "title", p.Title)
		writeElem(&buf, "ns", "0")
		writeElemInt(&buf, "id", p.ID)
		if p.Redirect != "" {
			buf.WriteString(`    <redirect title="`)
			xml.EscapeText(&buf, []byte(p.Redirect))
			buf.WriteString("\" />\n")
		}
		for _, r := range p.Revisions {
			model, format := r.Model, r.Format
			if model == "" {
				model = "wikibase-item"
			}
			if format == "" {
				format = "application/json"
			}
			buf.WriteString("    <revision>\n")
			writeElemInt(&buf, "id", r.ID)
			writeElem(&buf, "timestamp", r.Timestamp)
			writeElem(&buf, "model", model)
			writeElem(&buf, "format", format)
			writeElem(&buf, "text", r.Content)
			buf.WriteString("    </revision>\n")
		}
		buf.WriteString("  </page>\n")
	}
	buf.WriteString("</mediawiki>\n")
	return buf.Bytes()
}

func writeElem(buf *bytes.Buffer, name, value string) {
	buf.WriteString("    <" + name + ">")
	xml.EscapeText(buf, []byte(value))
	buf.WriteString("</" + name + ">\n")
}

func writeElemInt(buf *bytes.Buffer, name string, value int64) {
	writeElem(buf, name, strconv.FormatInt(value, 10))
}

// Bzip compresses data. Fixture dumps go through this to exercise the real
// decompression path.
func Bzip(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestSpeed})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// BzipDump renders pages as XML and compresses the result.
func BzipDump(t *testing.T, pages ...DumpPage) []byte {
	t.Helper()
	return Bzip(t, DumpXML(pages...))
}

// MemSource is an in-memory archive source.
type MemSource struct {
	Name string
	Data []byte
}

func (m MemSource) ID() string { return m.Name }

func (m MemSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.Data)), nil
}
