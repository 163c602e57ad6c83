// Package snapshot decodes raw revision content into triple snapshots.
//
// A snapshot is the set of triples whose subject is the revision's page,
// derived from the structured-data JSON at that revision. Statement-level
// metadata that does not contribute to triple identity (references, hashes,
// statement ids) is discarded; qualifiers are kept as part of the object
// value's structural identity.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/models"
)

// SkipReason says why a revision contributed no snapshot. Skips never abort
// the page; the differ simply sees no new state for that revision.
type SkipReason string

const (
	SkipNone     SkipReason = ""
	SkipRedirect SkipReason = "redirect"
	SkipNotItem  SkipReason = "not-item"
	SkipFormat   SkipReason = "unrecognized-format"
	SkipEmpty    SkipReason = "empty-content"
)

// contentFormat is the only content format the decoder recognizes.
const contentFormat = "application/json"

type itemDoc struct {
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Redirect string          `json:"redirect"`
	Claims   json.RawMessage `json:"claims"`
}

type claimDoc struct {
	MainSnak   snakDoc              `json:"mainsnak"`
	Rank       string               `json:"rank"`
	Qualifiers map[string][]snakDoc `json:"qualifiers"`
}

type snakDoc struct {
	SnakType  string        `json:"snaktype"`
	Property  string        `json:"property"`
	DataValue *dataValueDoc `json:"datavalue"`
}

type dataValueDoc struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Decode parses one revision's raw content into a snapshot. A nil snapshot
// with a non-empty SkipReason means the revision contributes no triples but
// processing continues. The error is non-nil only for malformed content in
// the recognized format (wrapping apperr.ErrMalformedContent); that too is a
// per-revision skip for the caller.
func Decode(rec models.RevisionRecord) (*models.Snapshot, SkipReason, error) {
	if rec.Format != contentFormat {
		return nil, SkipFormat, nil
	}
	if !models.IsItemID(rec.Page) {
		return nil, SkipNotItem, nil
	}
	if len(rec.Content) == 0 {
		return nil, SkipEmpty, nil
	}

	var doc itemDoc
	if err := json.Unmarshal([]byte(rec.Content), &doc); err != nil {
		return nil, "", fmt.Errorf("%w: revision %d of %s: %v",
			apperr.ErrMalformedContent, rec.ID, rec.Page, err)
	}
	if doc.Redirect != "" {
		// Deleted-and-redirected content revision.
		return nil, SkipRedirect, nil
	}
	if doc.Type != "item" || doc.ID == "" {
		return nil, SkipNotItem, nil
	}

	claims, err := parseClaims(doc.Claims)
	if err != nil {
		return nil, "", fmt.Errorf("%w: revision %d of %s: %v",
			apperr.ErrMalformedContent, rec.ID, rec.Page, err)
	}

	snap := models.NewSnapshot(rec.Page)
	for _, predicate := range sortedKeys(claims) {
		for _, v := range truthyValues(claims[predicate]) {
			snap.Add(models.Triple{Subject: rec.Page, Predicate: predicate, Object: v})
		}
	}
	return snap, SkipNone, nil
}

// parseClaims tolerates the legacy encoding of an empty claim set as a JSON
// array instead of an object.
func parseClaims(raw json.RawMessage) (map[string][]claimDoc, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '[' || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var claims map[string][]claimDoc
	if err := json.Unmarshal(trimmed, &claims); err != nil {
		return nil, fmt.Errorf("claims: %w", err)
	}
	return claims, nil
}

// truthyValues selects the statements that count as the predicate's current
// facts: deprecated-rank statements are dropped, and preferred-rank
// statements shadow normal-rank ones when any exist.
func truthyValues(claims []claimDoc) []models.Value {
	var preferred, normal []models.Value
	for _, c := range claims {
		var v models.Value
		var ok bool
		switch c.Rank {
		case "preferred":
			if v, ok = claimValue(c); ok {
				preferred = append(preferred, v)
			}
		case "normal", "":
			if v, ok = claimValue(c); ok {
				normal = append(normal, v)
			}
		}
		// "deprecated" falls through: never a fact.
	}
	if len(preferred) > 0 {
		return preferred
	}
	return normal
}

// claimValue extracts the object value of one statement, attaching its
// qualifiers in canonical order.
func claimValue(c claimDoc) (models.Value, bool) {
	v, ok := snakValue(c.MainSnak)
	if !ok {
		return models.Value{}, false
	}
	if len(c.Qualifiers) == 0 {
		return v, true
	}
	var quals []models.Qualifier
	for prop, snaks := range c.Qualifiers {
		for _, s := range snaks {
			qv, qok := snakValue(s)
			if !qok {
				continue
			}
			quals = append(quals, models.Qualifier{Property: prop, Value: qv.Key()})
		}
	}
	return v.WithQualifiers(quals), true
}

// snakValue decodes a snak into a typed value. Snaks without a concrete
// value ("somevalue"/"novalue") and unsupported datavalue types yield no
// triple.
func snakValue(s snakDoc) (models.Value, bool) {
	if s.SnakType != "value" || s.DataValue == nil {
		return models.Value{}, false
	}
	dv := s.DataValue
	switch dv.Type {
	case "wikibase-entityid":
		var ent struct {
			EntityType string `json:"entity-type"`
			NumericID  int64  `json:"numeric-id"`
			ID         string `json:"id"`
		}
		if err := json.Unmarshal(dv.Value, &ent); err != nil || ent.EntityType != "item" {
			return models.Value{}, false
		}
		id := ent.ID
		if id == "" {
			id = fmt.Sprintf("Q%d", ent.NumericID)
		}
		return models.EntityValue(id), true

	case "string":
		var str string
		if err := json.Unmarshal(dv.Value, &str); err != nil {
			return models.Value{}, false
		}
		return models.StringValue(str), true

	case "monolingualtext":
		var mono struct {
			Text     string `json:"text"`
			Language string `json:"language"`
		}
		if err := json.Unmarshal(dv.Value, &mono); err != nil {
			return models.Value{}, false
		}
		return models.MonolingualValue(mono.Text, mono.Language), true

	case "time":
		var t struct {
			Time      string `json:"time"`
			Precision int    `json:"precision"`
		}
		if err := json.Unmarshal(dv.Value, &t); err != nil {
			return models.Value{}, false
		}
		return models.TimeValue(t.Time, t.Precision), true

	case "quantity":
		var q struct {
			Amount string `json:"amount"`
			Unit   string `json:"unit"`
		}
		if err := json.Unmarshal(dv.Value, &q); err != nil {
			return models.Value{}, false
		}
		return models.QuantityValue(q.Amount, q.Unit), true

	case "globecoordinate":
		var g struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		if err := json.Unmarshal(dv.Value, &g); err != nil {
			return models.Value{}, false
		}
		return models.CoordinateValue(g.Latitude, g.Longitude), true
	}
	return models.Value{}, false
}

func sortedKeys(m map[string][]claimDoc) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
