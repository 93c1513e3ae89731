// Package schema maps typed domain records to the flat rows the remote store
// and the local cache persist, and back.
package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/marcus/kept/internal/models"
)

// Kind is the storage shape of a column.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
	Timestamp // millisecond UTC instant, "2006-01-02T15:04:05.000Z"
	Date      // calendar date, "2006-01-02"
	JSON      // nested structure stored as compact JSON text
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case Timestamp:
		return "timestamp"
	case Date:
		return "date"
	case JSON:
		return "json"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Field maps one domain property to one column.
type Field struct {
	Name     string // domain (JSON) name, camelCase
	Column   string // persisted name, snake_case
	Kind     Kind
	Required bool
}

// Column names shared by every collection.
const (
	ColID        = "id"
	ColUserID    = "user_id"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColDeletedAt = "deleted_at"
)

// Row is a persisted entity keyed by column name. Values are held in
// canonical form: string, int64, float64, bool or nil. Timestamps, dates and
// JSON columns are strings.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ID returns the row's id column.
func (r Row) ID() string {
	s, _ := r[ColID].(string)
	return s
}

// Str returns a string column or "".
func (r Row) Str(col string) string {
	s, _ := r[col].(string)
	return s
}

// Schema describes one collection.
type Schema struct {
	Collection string
	SoftDelete bool
	Fields     []Field
	New        func() models.Record

	byColumn map[string]*Field
	byName   map[string]*Field
}

func newSchema(collection string, softDelete bool, newFn func() models.Record, fields ...Field) *Schema {
	s := &Schema{Collection: collection, SoftDelete: softDelete, New: newFn}
	s.Fields = append(s.Fields,
		Field{Name: "id", Column: ColID, Kind: String, Required: true},
		Field{Name: "userId", Column: ColUserID, Kind: String},
		Field{Name: "createdAt", Column: ColCreatedAt, Kind: Timestamp},
		Field{Name: "updatedAt", Column: ColUpdatedAt, Kind: Timestamp},
	)
	if softDelete {
		s.Fields = append(s.Fields, Field{Name: "deletedAt", Column: ColDeletedAt, Kind: Timestamp})
	}
	s.Fields = append(s.Fields, fields...)

	s.byColumn = make(map[string]*Field, len(s.Fields))
	s.byName = make(map[string]*Field, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Column == "" {
			f.Column = SnakeCase(f.Name)
		}
		s.byColumn[f.Column] = f
		s.byName[f.Name] = f
	}
	return s
}

// Field returns the field for a column or domain name.
func (s *Schema) Field(name string) (*Field, bool) {
	if f, ok := s.byColumn[name]; ok {
		return f, true
	}
	f, ok := s.byName[name]
	return f, ok
}

// Columns returns the known column names in declaration order.
func (s *Schema) Columns() []string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = f.Column
	}
	return cols
}

// RequiredColumns returns the non-meta columns that must be non-empty.
func (s *Schema) RequiredColumns() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required && f.Column != ColID {
			out = append(out, f.Column)
		}
	}
	return out
}

// SnakeCase converts a camelCase name to snake_case ("dueDate" → "due_date",
// "projectId" → "project_id").
func SnakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Registry holds the schemas for all syncable collections.
type Registry struct {
	byName map[string]*Schema
	names  []string
}

// NewRegistry builds a registry from schemas.
func NewRegistry(schemas ...*Schema) *Registry {
	r := &Registry{byName: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		r.byName[s.Collection] = s
		r.names = append(r.names, s.Collection)
	}
	sort.Strings(r.names)
	return r
}

// Lookup returns the schema for collection.
func (r *Registry) Lookup(collection string) (*Schema, error) {
	s, ok := r.byName[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return s, nil
}

// Collections returns all collection names, sorted.
func (r *Registry) Collections() []string {
	return append([]string(nil), r.names...)
}

// For returns the schema whose New constructs records of rec's type.
func (r *Registry) For(rec models.Record) (*Schema, error) {
	want := reflect.TypeOf(rec)
	for _, name := range r.names {
		s := r.byName[name]
		if reflect.TypeOf(s.New()) == want {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no collection for %v", want)
}
