// Package record binds raw sensor lines to a fixed, ordered field schema.
package record

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultFields is the column layout emitted by the gas sensor board.
var DefaultFields = []string{
	"Alcohol PPM",
	"LPG GAS",
	"CH4 PPM",
	"Propane",
	"H2PPM",
	"Humidity",
	"VOC",
	"Temperature",
}

var ErrInvalidSchema = errors.New("invalid schema")

// Schema is an ordered, immutable list of field names. The zero value has no
// fields and is not usable for parsing.
type Schema struct {
	fields []string
	index  map[string]int
}

// NewSchema builds a Schema from the given field names. The slice is copied so
// later changes by the caller do not affect the schema.
func NewSchema(fields ...string) (Schema, error) {
	if len(fields) == 0 {
		return Schema{}, fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}
	s := Schema{
		fields: make([]string, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		name := strings.TrimSpace(f)
		if name == "" {
			return Schema{}, fmt.Errorf("%w: field %d has an empty name", ErrInvalidSchema, i)
		}
		if _, dup := s.index[name]; dup {
			return Schema{}, fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, name)
		}
		s.fields[i] = name
		s.index[name] = i
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error. Intended for package
// level defaults and tests.
func MustSchema(fields ...string) Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// DefaultSchema returns a Schema over DefaultFields.
func DefaultSchema() Schema {
	return MustSchema(DefaultFields...)
}

// Len returns the number of fields.
func (s Schema) Len() int { return len(s.fields) }

// Fields returns a copy of the field names in order.
func (s Schema) Fields() []string {
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field returns the name of the i'th field.
func (s Schema) Field(i int) string { return s.fields[i] }

// Index returns the position of the named field.
func (s Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Equal reports whether both schemas list the same fields in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s.fields) != len(other.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != other.fields[i] {
			return false
		}
	}
	return true
}

func (s Schema) String() string {
	return strings.Join(s.fields, ",")
}
