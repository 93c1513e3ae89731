package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/kept/internal/dateparse"
	"github.com/marcus/kept/internal/models"
	"github.com/marcus/kept/internal/syncerr"
)

// Encode converts a domain record into a row with every known column set.
// Columns carried in Meta.Extra are re-emitted unchanged.
func (s *Schema) Encode(rec models.Record) (Row, error) {
	op := "encode " + s.Collection
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, syncerr.Translation(op, "marshal: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, syncerr.Translation(op, "decode: %v", err)
	}

	row := make(Row, len(s.Fields))
	for col, v := range rec.Base().Extra {
		if _, known := s.byColumn[col]; !known {
			row[col] = v
		}
	}
	for i := range s.Fields {
		f := &s.Fields[i]
		v, err := canonical(f, doc[f.Name])
		if err != nil {
			return nil, syncerr.Translation(op, "%s: %v", f.Name, err)
		}
		row[f.Column] = v
	}
	return row, nil
}

// Decode converts a row into a domain record. Unknown columns are kept in
// Meta.Extra; missing columns leave the zero value.
func (s *Schema) Decode(row Row) (models.Record, error) {
	op := "decode " + s.Collection
	doc := make(map[string]any, len(row))
	var extra map[string]any
	for col, v := range row {
		f, ok := s.byColumn[col]
		if !ok {
			if extra == nil {
				extra = make(map[string]any)
			}
			extra[col] = v
			continue
		}
		cv, err := canonical(f, v)
		if err != nil {
			return nil, syncerr.Translation(op, "%s: %v", col, err)
		}
		if cv == nil {
			continue
		}
		if f.Kind == JSON {
			doc[f.Name] = json.RawMessage(cv.(string))
			continue
		}
		doc[f.Name] = cv
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, syncerr.Translation(op, "marshal: %v", err)
	}
	rec := s.New()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, syncerr.Translation(op, "%v", err)
	}
	rec.Base().Extra = extra
	return rec, nil
}

// Normalize returns a copy of row with every known column in canonical form.
// Unknown columns pass through.
func (s *Schema) Normalize(row Row) (Row, error) {
	out := make(Row, len(row))
	for col, v := range row {
		f, ok := s.byColumn[col]
		if !ok {
			out[col] = v
			continue
		}
		cv, err := canonical(f, v)
		if err != nil {
			return nil, syncerr.Translation("normalize "+s.Collection, "%s: %v", col, err)
		}
		out[col] = cv
	}
	return out, nil
}

// FromStrings parses user-typed key=value input into a partial row. Keys may
// be domain or column names. Metadata columns cannot be set.
func (s *Schema) FromStrings(kv map[string]string) (Row, error) {
	op := "parse " + s.Collection
	row := make(Row, len(kv))
	for key, raw := range kv {
		f, ok := s.Field(key)
		if !ok {
			return nil, syncerr.Translation(op, "unknown field %q", key)
		}
		switch f.Column {
		case ColID, ColUserID, ColCreatedAt, ColUpdatedAt, ColDeletedAt:
			return nil, syncerr.Translation(op, "field %q is managed by sync", key)
		}
		v, err := parseString(f, raw)
		if err != nil {
			return nil, syncerr.Translation(op, "%s: %v", key, err)
		}
		row[f.Column] = v
	}
	return row, nil
}

// Diff returns the columns of next that differ from prev. Columns dropped in
// next are reported as nil. The id column never appears in a diff.
func Diff(prev, next Row) Row {
	diff := Row{}
	for col, nv := range next {
		if col == ColID {
			continue
		}
		if pv, ok := prev[col]; !ok || !reflect.DeepEqual(pv, nv) {
			diff[col] = nv
		}
	}
	for col := range prev {
		if _, ok := next[col]; !ok && col != ColID {
			diff[col] = nil
		}
	}
	return diff
}

// Merge returns a copy of base with diff applied.
func Merge(base, diff Row) Row {
	out := base.Clone()
	if out == nil {
		out = make(Row, len(diff))
	}
	for k, v := range diff {
		out[k] = v
	}
	return out
}

// canonical converts a value from any source (encoded record, JSON body, SQL
// driver) into the canonical form for f.
func canonical(f *Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch f.Kind {
	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Int:
		return toInt(v)
	case Float:
		return toFloat(v)
	case Bool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64, int, float64, json.Number:
			n, err := toInt(b)
			if err == nil && (n.(int64) == 0 || n.(int64) == 1) {
				return n.(int64) == 1, nil
			}
		}
	case Timestamp:
		switch t := v.(type) {
		case time.Time:
			if t.IsZero() {
				return nil, nil
			}
			return dateparse.FormatTimestamp(t), nil
		case string:
			if t == "" {
				return nil, nil
			}
			parsed, err := dateparse.ParseTimestamp(t)
			if err != nil {
				return nil, err
			}
			if parsed.IsZero() {
				return nil, nil
			}
			return dateparse.FormatTimestamp(parsed), nil
		}
	case Date:
		switch d := v.(type) {
		case time.Time:
			return d.Format(dateparse.DateLayout), nil
		case string:
			if d == "" {
				return nil, nil
			}
			if _, err := time.Parse(dateparse.DateLayout, d); err != nil {
				if t, terr := dateparse.ParseTimestamp(d); terr == nil {
					return t.UTC().Format(dateparse.DateLayout), nil
				}
				return nil, fmt.Errorf("invalid date %q", d)
			}
			return d, nil
		}
	case JSON:
		if s, ok := v.(string); ok {
			var buf bytes.Buffer
			if err := json.Compact(&buf, []byte(s)); err != nil {
				return nil, fmt.Errorf("invalid JSON: %v", err)
			}
			if buf.String() == "null" {
				return nil, nil
			}
			return buf.String(), nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, f.Kind)
}

func toInt(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		return toInt(f)
	}
	return nil, fmt.Errorf("cannot use %T as int", v)
}

func toFloat(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return nil, fmt.Errorf("cannot use %T as float", v)
}

func parseString(f *Field, raw string) (any, error) {
	if raw == "" {
		if f.Kind == String {
			return "", nil
		}
		return nil, nil
	}
	switch f.Kind {
	case String:
		return raw, nil
	case Int:
		return strconv.ParseInt(raw, 10, 64)
	case Float:
		return strconv.ParseFloat(raw, 64)
	case Bool:
		return strconv.ParseBool(raw)
	case Timestamp:
		t, err := dateparse.ParseTimestamp(raw)
		if err != nil {
			d, derr := dateparse.ParseDate(raw)
			if derr != nil {
				return nil, err
			}
			t, _ = time.Parse(dateparse.DateLayout, d)
		}
		return dateparse.FormatTimestamp(t), nil
	case Date:
		return dateparse.ParseDate(raw)
	case JSON:
		if json.Valid([]byte(raw)) {
			return canonical(f, raw)
		}
		parts := strings.Split(raw, ",")
		items := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		return canonical(f, items)
	}
	return nil, fmt.Errorf("unsupported kind %s", f.Kind)
}
