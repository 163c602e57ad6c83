// Package parser turns a decompressed revision-history stream into per-page
// revision sequences.
//
// The dump is one huge XML document; the parser walks it token by token (an
// explicit inside-page/inside-revision state machine, never a tree build) and
// holds at most one page's raw revision set in memory at a time.
package parser

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/models"
)

// WarnFunc receives data-quality warnings that do not stop parsing.
type WarnFunc func(page string, err error)

// Parser yields pages from a dump stream one at a time.
type Parser struct {
	dec  *xml.Decoder
	warn WarnFunc
}

// New creates a Parser reading the decompressed dump from r. warn may be nil.
func New(r io.Reader, warn WarnFunc) *Parser {
	if warn == nil {
		warn = func(string, error) {}
	}
	return &Parser{dec: xml.NewDecoder(r), warn: warn}
}

// Next returns the next page that has at least one revision, or io.EOF when
// the stream is exhausted. Revisions are returned in archive order; the
// parser validates non-decreasing timestamps and reports violations through
// the warn callback without re-sorting.
func (p *Parser) Next() (*models.Page, error) {
	for {
		tok, err := p.dec.Token()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("parser: read token: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "page" {
			continue
		}
		page, err := p.parsePage()
		if err != nil {
			return nil, err
		}
		if len(page.Revisions) == 0 {
			// Pages with zero revisions are skipped.
			continue
		}
		return page, nil
	}
}

func (p *Parser) parsePage() (*models.Page, error) {
	page := &models.Page{}
	var lastTS time.Time

	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parser: page %q: %w", page.Title, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "title":
				if err := p.dec.DecodeElement(&page.Title, &t); err != nil {
					return nil, fmt.Errorf("parser: title: %w", err)
				}
			case "id":
				// The first <id> under <page> is the page id; revision ids
				// live inside <revision> and are parsed there.
				if page.ID == 0 {
					if err := p.dec.DecodeElement(&page.ID, &t); err != nil {
						return nil, fmt.Errorf("parser: page id: %w", err)
					}
				} else if err := p.dec.Skip(); err != nil {
					return nil, fmt.Errorf("parser: skip: %w", err)
				}
			case "redirect":
				for _, a := range t.Attr {
					if a.Name.Local == "title" {
						page.RedirectTo = a.Value
					}
				}
				if err := p.dec.Skip(); err != nil {
					return nil, fmt.Errorf("parser: skip redirect: %w", err)
				}
			case "revision":
				rec, ok, err := p.parseRevision(page.Title, &t)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				if len(page.Revisions) > 0 && rec.Timestamp.Before(lastTS) {
					p.warn(page.Title, fmt.Errorf("%w: revision %d at %s after %s",
						apperr.ErrOutOfOrderRevision, rec.ID,
						rec.Timestamp.Format(time.RFC3339), lastTS.Format(time.RFC3339)))
				} else {
					lastTS = rec.Timestamp
				}
				page.Revisions = append(page.Revisions, rec)
			default:
				if err := p.dec.Skip(); err != nil {
					return nil, fmt.Errorf("parser: skip %s: %w", t.Name.Local, err)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "page" {
				return page, nil
			}
		}
	}
}

// parseRevision materializes one revision element. ok is false when the
// revision is unusable (e.g. unparseable timestamp) and was reported.
func (p *Parser) parseRevision(pageTitle string, start *xml.StartElement) (models.RevisionRecord, bool, error) {
	var raw struct {
		ID        int64  `xml:"id"`
		Timestamp string `xml:"timestamp"`
		Model     string `xml:"model"`
		Format    string `xml:"format"`
		Text      string `xml:"text"`
	}
	if err := p.dec.DecodeElement(&raw, start); err != nil {
		return models.RevisionRecord{}, false, fmt.Errorf("parser: page %q: decode revision: %w", pageTitle, err)
	}

	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		p.warn(pageTitle, fmt.Errorf("revision %d: bad timestamp %q: %w", raw.ID, raw.Timestamp, err))
		return models.RevisionRecord{}, false, nil
	}

	return models.RevisionRecord{
		Page:      pageTitle,
		ID:        raw.ID,
		Timestamp: ts.UTC(),
		Model:     raw.Model,
		Format:    raw.Format,
		Content:   raw.Text,
	}, true, nil
}
