package models

import "time"

// RevisionRecord is one edit of one page: the raw content blob at that point
// in time plus the markers needed to decode it. Records are produced
// transiently by the parser and consumed immediately by the decoder.
type RevisionRecord struct {
	Page      string    // owning page identifier (title)
	ID        int64     // revision identifier
	Timestamp time.Time // revision timestamp (UTC)
	Model     string    // content model, e.g. "wikibase-item"
	Format    string    // content-format marker, e.g. "application/json"
	Content   string    // raw content blob
}

// Page is one page's complete revision history as encountered in a shard.
// Revisions are ordered as they appear in the archive, which the dump
// construction guarantees to be non-decreasing by timestamp.
type Page struct {
	Title      string
	ID         int64
	RedirectTo string // target title when the page is a redirect, else ""
	Revisions  []RevisionRecord
}
