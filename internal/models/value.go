package models

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ValueKind discriminates the typed object position of a triple.
type ValueKind string

// Object value kinds. The names follow the datavalue types of the source
// structured-data format.
const (
	KindEntity      ValueKind = "entity"
	KindString      ValueKind = "string"
	KindMonolingual ValueKind = "monolingualtext"
	KindTime        ValueKind = "time"
	KindQuantity    ValueKind = "quantity"
	KindCoordinate  ValueKind = "globecoordinate"
)

// Qualifier is one property/value pair refining a compound object value.
// Qualifiers are part of the value's structural identity: two statements with
// the same predicate and object but different qualifiers are distinct triples.
type Qualifier struct {
	Property string `json:"property"`
	Value    string `json:"value"`
}

// Value is the typed object of a triple: a reference to another item, a
// literal, or a qualifier-bearing compound of either. Values are immutable;
// identity is structural via Key.
type Value struct {
	Kind ValueKind `json:"kind"`

	// Entity holds the item identifier for KindEntity (e.g. "Q215627").
	Entity string `json:"entity,omitempty"`

	// Text holds string literals; Lang is set for monolingual text.
	Text string `json:"text,omitempty"`
	Lang string `json:"lang,omitempty"`

	// Time is the calendar timestamp literal ("+2019-09-08T00:00:00Z");
	// Precision is the source precision marker (11 = day, 9 = year, ...).
	Time      string `json:"time,omitempty"`
	Precision int    `json:"precision,omitempty"`

	// Amount and Unit describe quantity literals. Amount keeps the source's
	// decimal string to avoid float round-tripping.
	Amount string `json:"amount,omitempty"`
	Unit   string `json:"unit,omitempty"`

	// Lat and Lon describe globe coordinates.
	Lat float64 `json:"lat,omitempty"`
	Lon float64 `json:"lon,omitempty"`

	Qualifiers []Qualifier `json:"qualifiers,omitempty"`
}

// EntityValue returns an item-reference value.
func EntityValue(id string) Value {
	return Value{Kind: KindEntity, Entity: id}
}

// StringValue returns a plain string literal.
func StringValue(s string) Value {
	return Value{Kind: KindString, Text: s}
}

// MonolingualValue returns a language-tagged text literal.
func MonolingualValue(text, lang string) Value {
	return Value{Kind: KindMonolingual, Text: text, Lang: lang}
}

// TimeValue returns a calendar timestamp literal.
func TimeValue(t string, precision int) Value {
	return Value{Kind: KindTime, Time: t, Precision: precision}
}

// QuantityValue returns a quantity literal.
func QuantityValue(amount, unit string) Value {
	return Value{Kind: KindQuantity, Amount: amount, Unit: unit}
}

// CoordinateValue returns a globe-coordinate literal.
func CoordinateValue(lat, lon float64) Value {
	return Value{Kind: KindCoordinate, Lat: lat, Lon: lon}
}

// WithQualifiers returns a copy of v carrying qs in canonical order, so that
// structurally identical values compare equal regardless of source ordering.
func (v Value) WithQualifiers(qs []Qualifier) Value {
	if len(qs) == 0 {
		return v
	}
	sorted := make([]Qualifier, len(qs))
	copy(sorted, qs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Property != sorted[j].Property {
			return sorted[i].Property < sorted[j].Property
		}
		return sorted[i].Value < sorted[j].Value
	})
	v.Qualifiers = sorted
	return v
}

// Key returns the canonical identity of the value. Equal keys mean equal
// values; the key is stable across processes and runs.
func (v Value) Key() string {
	var b strings.Builder
	b.WriteString(string(v.Kind))
	b.WriteByte(':')
	switch v.Kind {
	case KindEntity:
		b.WriteString(v.Entity)
	case KindString:
		b.WriteString(v.Text)
	case KindMonolingual:
		b.WriteString(v.Lang)
		b.WriteByte('@')
		b.WriteString(v.Text)
	case KindTime:
		b.WriteString(v.Time)
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(v.Precision))
	case KindQuantity:
		b.WriteString(v.Amount)
		if v.Unit != "" {
			b.WriteByte('~')
			b.WriteString(v.Unit)
		}
	case KindCoordinate:
		b.WriteString(strconv.FormatFloat(v.Lat, 'f', -1, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(v.Lon, 'f', -1, 64))
	}
	for _, q := range v.Qualifiers {
		b.WriteByte('|')
		b.WriteString(q.Property)
		b.WriteByte('=')
		b.WriteString(q.Value)
	}
	return b.String()
}

// Token returns the value as a single whitespace-free token for the text
// output format. Bare item references print as their identifier; everything
// else is the canonical key, percent-escaped.
func (v Value) Token() string {
	if v.Kind == KindEntity && len(v.Qualifiers) == 0 {
		return v.Entity
	}
	return url.QueryEscape(v.Key())
}

// Equal reports structural equality.
func (v Value) Equal(other Value) bool {
	return v.Key() == other.Key()
}
