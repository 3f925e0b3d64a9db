// Package frame holds the in-memory tabular representation shared by the
// training, scoring and explainability stages.
package frame

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

type Kind int

const (
	Numeric Kind = iota
	Categorical
)

func (k Kind) String() string {
	if k == Numeric {
		return "numeric"
	}
	return "categorical"
}

// Column is a typed column. Missing numeric values are NaN; missing
// categorical values are flagged in Null.
type Column struct {
	Name string
	Kind Kind
	Num  []float64
	Cat  []string
	Null []bool
}

func (c *Column) Len() int {
	if c.Kind == Numeric {
		return len(c.Num)
	}
	return len(c.Cat)
}

// FloatAt returns the value at row i as a number. Categorical values are
// parsed; anything unparseable counts as missing.
func (c *Column) FloatAt(i int) (float64, bool) {
	if c.Kind == Numeric {
		v := c.Num[i]
		return v, !math.IsNaN(v)
	}
	if c.Null[i] {
		return math.NaN(), false
	}
	v, err := strconv.ParseFloat(c.Cat[i], 64)
	if err != nil || math.IsNaN(v) {
		return math.NaN(), false
	}
	return v, true
}

// StringAt returns the value at row i as a category label.
func (c *Column) StringAt(i int) (string, bool) {
	if c.Kind == Categorical {
		return c.Cat[i], !c.Null[i]
	}
	v := c.Num[i]
	if math.IsNaN(v) {
		return "", false
	}
	return strconv.FormatFloat(v, 'f', -1, 64), true
}

// Value returns the raw cell for export, nil when missing.
func (c *Column) Value(i int) interface{} {
	if c.Kind == Numeric {
		if math.IsNaN(c.Num[i]) {
			return nil
		}
		return c.Num[i]
	}
	if c.Null[i] {
		return nil
	}
	return c.Cat[i]
}

func (c *Column) take(rows []int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	if c.Kind == Numeric {
		out.Num = make([]float64, len(rows))
		for i, r := range rows {
			out.Num[i] = c.Num[r]
		}
		return out
	}
	out.Cat = make([]string, len(rows))
	out.Null = make([]bool, len(rows))
	for i, r := range rows {
		out.Cat[i] = c.Cat[r]
		out.Null[i] = c.Null[r]
	}
	return out
}

// Frame is an ordered set of equally long columns.
type Frame struct {
	cols  []*Column
	index map[string]int
	rows  int
}

// New builds a frame from columns that must all have the same length.
func New(cols ...*Column) (*Frame, error) {
	f := &Frame{index: make(map[string]int, len(cols))}
	for i, c := range cols {
		if _, dup := f.index[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column '%s'", c.Name)
		}
		if i == 0 {
			f.rows = c.Len()
		} else if c.Len() != f.rows {
			return nil, fmt.Errorf("column '%s' has %d rows, expected %d", c.Name, c.Len(), f.rows)
		}
		if c.Kind == Categorical && len(c.Null) != len(c.Cat) {
			return nil, fmt.Errorf("column '%s' null mask length mismatch", c.Name)
		}
		f.index[c.Name] = i
		f.cols = append(f.cols, c)
	}
	return f, nil
}

// NumericColumn is a convenience constructor; NaN marks missing values.
func NumericColumn(name string, values []float64) *Column {
	return &Column{Name: name, Kind: Numeric, Num: values}
}

// CategoricalColumn is a convenience constructor; empty strings are missing.
func CategoricalColumn(name string, values []string) *Column {
	null := make([]bool, len(values))
	for i, v := range values {
		null[i] = v == ""
	}
	return &Column{Name: name, Kind: Categorical, Cat: values, Null: null}
}

func (f *Frame) Len() int { return f.rows }

func (f *Frame) Columns() []*Column { return f.cols }

func (f *Frame) Names() []string {
	names := make([]string, len(f.cols))
	for i, c := range f.cols {
		names[i] = c.Name
	}
	return names
}

func (f *Frame) Column(name string) (*Column, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.cols[i], true
}

func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Take returns a new frame holding the given rows in the given order.
func (f *Frame) Take(rows []int) *Frame {
	out := &Frame{index: make(map[string]int, len(f.cols)), rows: len(rows)}
	for i, c := range f.cols {
		out.cols = append(out.cols, c.take(rows))
		out.index[c.Name] = i
	}
	return out
}

// Drop returns a frame without the named columns; unknown names are ignored.
func (f *Frame) Drop(names ...string) *Frame {
	skip := make(map[string]struct{}, len(names))
	for _, n := range names {
		skip[n] = struct{}{}
	}
	out := &Frame{index: make(map[string]int, len(f.cols)), rows: f.rows}
	for _, c := range f.cols {
		if _, ok := skip[c.Name]; ok {
			continue
		}
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, c)
	}
	return out
}

// Target extracts a numeric column as the regression target.
func (f *Frame) Target(name string) ([]float64, error) {
	c, ok := f.Column(name)
	if !ok {
		return nil, errors.Errorf("target column '%s' not found", name)
	}
	y := make([]float64, f.rows)
	for i := range y {
		v, _ := c.FloatAt(i)
		y[i] = v
	}
	return y, nil
}

// FromRows builds a frame from database-style rows. A column is numeric when
// every non-null value in it is a number.
func FromRows(names []string, rows [][]interface{}) (*Frame, error) {
	cols := make([]*Column, len(names))
	for j, name := range names {
		numeric := true
		for _, row := range rows {
			if len(row) != len(names) {
				return nil, fmt.Errorf("row has %d values, expected %d", len(row), len(names))
			}
			if row[j] == nil {
				continue
			}
			if _, ok := toFloat(row[j]); !ok {
				numeric = false
				break
			}
		}
		if numeric {
			vals := make([]float64, len(rows))
			for i, row := range rows {
				v, ok := toFloat(row[j])
				if !ok {
					v = math.NaN()
				}
				vals[i] = v
			}
			cols[j] = NumericColumn(name, vals)
			continue
		}
		vals := make([]string, len(rows))
		null := make([]bool, len(rows))
		for i, row := range rows {
			vals[i], null[i] = toString(row[j])
		}
		cols[j] = &Column{Name: name, Kind: Categorical, Cat: vals, Null: null}
	}
	return New(cols...)
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, false
	case []byte:
		return string(x), false
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02"), false
		}
		return x.Format(time.RFC3339), false
	case bool:
		return strconv.FormatBool(x), false
	default:
		return fmt.Sprint(x), false
	}
}
