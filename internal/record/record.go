package record

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrParse is matched by every error returned from Parse.
var ErrParse = errors.New("parse error")

// ParseError describes a raw line that could not be turned into a Record.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s (line %q)", e.Reason, e.Line)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// Value is a single field slot. Present is false when the source line ran out
// of tokens before reaching this field.
type Value struct {
	Text    string
	Present bool
}

// Record holds one value slot per schema field, in schema order.
type Record struct {
	schema Schema
	values []Value
}

// NewRecord returns a Record for schema with every field absent.
func NewRecord(schema Schema) Record {
	return Record{schema: schema, values: make([]Value, schema.Len())}
}

// Schema returns the schema the record was bound against.
func (r Record) Schema() Schema { return r.schema }

// Slots returns the number of value slots, which equals the schema length for
// records built by this package.
func (r Record) Slots() int { return len(r.values) }

// Len returns the number of present fields.
func (r Record) Len() int {
	n := 0
	for _, v := range r.values {
		if v.Present {
			n++
		}
	}
	return n
}

// At returns the value in slot i.
func (r Record) At(i int) Value { return r.values[i] }

// Get looks up a field by name. ok is false when the field is not in the
// schema or was absent in the source line.
func (r Record) Get(name string) (string, bool) {
	i, found := r.schema.Index(name)
	if !found || i >= len(r.values) || !r.values[i].Present {
		return "", false
	}
	return r.values[i].Text, true
}

// Set stores a present value for the named field.
func (r *Record) Set(name, text string) error {
	i, found := r.schema.Index(name)
	if !found {
		return fmt.Errorf("unknown field %q", name)
	}
	r.values[i] = Value{Text: text, Present: true}
	return nil
}

// Values returns the row cells in schema order. Absent fields render as empty
// strings.
func (r Record) Values() []string {
	out := make([]string, len(r.values))
	for i, v := range r.values {
		if v.Present {
			out[i] = v.Text
		}
	}
	return out
}

// Map returns the present fields keyed by name.
func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r.values))
	for i, v := range r.values {
		if v.Present {
			m[r.schema.Field(i)] = v.Text
		}
	}
	return m
}

// Parse tokenizes line and zips the tokens against schema in order.
//
// Commas are treated as whitespace and runs of separators collapse. Fields
// past the last token are left absent, tokens past the last field are
// dropped, and no numeric validation is done. An empty line yields a record
// with every field absent.
func Parse(line string, schema Schema) (Record, error) {
	if !utf8.ValidString(line) {
		return Record{}, &ParseError{Line: line, Reason: "invalid utf-8"}
	}
	if schema.Len() == 0 {
		return Record{}, &ParseError{Line: line, Reason: "empty schema"}
	}

	rec := NewRecord(schema)
	tokens := strings.Fields(strings.ReplaceAll(line, ",", " "))
	for i, tok := range tokens {
		if i >= len(rec.values) {
			break
		}
		rec.values[i] = Value{Text: tok, Present: true}
	}
	return rec, nil
}
