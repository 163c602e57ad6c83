// Package fetch discovers, downloads, and verifies revision-history dump
// archives from a mirror, and can watch a staging directory so extraction
// starts while later shards are still arriving.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/starford/raido/internal/archive"
)

var md5sumsRe = regexp.MustCompile(`md5sums.*\.txt$`)

// DumpFile is one downloadable archive in a dump listing.
type DumpFile struct {
	Name string
	URL  string
}

// Client fetches dump metadata and archives from a mirror.
type Client struct {
	mirror string
	http   *http.Client
	logger *slog.Logger
}

// NewClient returns a Client for the given mirror base URL
// (e.g. "https://dumps.wikimedia.org").
func NewClient(mirror string, logger *slog.Logger) *Client {
	return &Client{
		mirror: strings.TrimRight(mirror, "/"),
		http:   &http.Client{},
		logger: logger,
	}
}

func (c *Client) indexURL(date string) string {
	return c.mirror + "/wikidatawiki/" + date + "/"
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: get %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch: get %s: status %s", url, resp.Status)
	}
	return resp, nil
}

// ListHistoryDumps scrapes the dump index page for date and returns the
// revision-history archives listed there, in listing order.
func (c *Client) ListHistoryDumps(ctx context.Context, date string) ([]DumpFile, error) {
	resp, err := c.get(ctx, c.indexURL(date))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dumps []DumpFile
	for _, a := range anchors(resp.Body) {
		if archive.IsHistoryFile(a.text) {
			dumps = append(dumps, DumpFile{Name: a.text, URL: c.resolve(a.href)})
		}
	}
	return dumps, nil
}

// ChecksumURL returns the URL of the md5sums file on the index page for
// date, or an error when the listing carries none.
func (c *Client) ChecksumURL(ctx context.Context, date string) (string, error) {
	resp, err := c.get(ctx, c.indexURL(date))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	for _, a := range anchors(resp.Body) {
		if md5sumsRe.MatchString(a.href) {
			return c.resolve(a.href), nil
		}
	}
	return "", fmt.Errorf("fetch: no md5sums file listed for %s", date)
}

// Checksums downloads and parses the md5sums file for date. The result maps
// archive filename to its hex digest, restricted to revision-history files.
func (c *Client) Checksums(ctx context.Context, date string) (map[string]string, error) {
	url, err := c.ChecksumURL(ctx, date)
	if err != nil {
		return nil, err
	}
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: read md5sums: %w", err)
	}
	sums := make(map[string]string)
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if archive.IsHistoryFile(fields[1]) {
			sums[fields[1]] = fields[0]
		}
	}
	return sums, nil
}

// resolve makes a listing href absolute against the mirror.
func (c *Client) resolve(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if strings.HasPrefix(href, "/") {
		return c.mirror + href
	}
	return c.mirror + "/" + href
}

type anchor struct {
	href string
	text string
}

// anchors walks an HTML listing page and collects its links. A tokenizer
// pass is enough; dump listings are flat directory indexes.
func anchors(body io.Reader) []anchor {
	var out []anchor
	z := html.NewTokenizer(body)
	var cur *anchor
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken:
			tok := z.Token()
			if tok.Data != "a" {
				continue
			}
			cur = &anchor{}
			for _, attr := range tok.Attr {
				if attr.Key == "href" {
					cur.href = attr.Val
				}
			}
		case html.TextToken:
			if cur != nil {
				cur.text += strings.TrimSpace(string(z.Text()))
			}
		case html.EndTagToken:
			tok := z.Token()
			if tok.Data == "a" && cur != nil {
				if cur.href != "" {
					out = append(out, *cur)
				}
				cur = nil
			}
		}
	}
}
