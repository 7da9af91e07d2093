// Package dataset provides the wide time-indexed table used throughout evolvecast.
//
// A Frame holds one column per series over a shared, strictly increasing
// timestamp index. Missing observations are stored as NaN. Frames are the
// input to the search (history and regressors) and its output (point, lower
// and upper forecasts).
package dataset

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

// Frame is a column-major wide table. Values[c][r] is the observation of
// series Columns[c] at Index[r].
type Frame struct {
	Index   []time.Time
	Columns []string
	Values  [][]float64

	// Freq is the spacing between consecutive rows. Zero means unknown.
	Freq time.Duration
}

// New builds a Frame from unsorted rows. Rows sharing a timestamp are merged,
// later non-missing values winning. The result is sorted by time.
func New(index []time.Time, columns []string, values [][]float64) (*Frame, error) {
	if len(columns) != len(values) {
		return nil, fmt.Errorf("columns (%d) and value columns (%d) differ", len(columns), len(values))
	}
	seen := make(map[string]bool, len(columns))
	for i, c := range columns {
		if c == "" {
			return nil, fmt.Errorf("column %d has empty name", i)
		}
		if seen[c] {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = true
		if len(values[i]) != len(index) {
			return nil, fmt.Errorf("column %q has %d values, index has %d", c, len(values[i]), len(index))
		}
	}

	order := make([]int, len(index))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return index[order[a]].Before(index[order[b]]) })

	out := &Frame{Columns: slices.Clone(columns), Values: make([][]float64, len(columns))}
	for _, r := range order {
		ts := index[r].UTC()
		n := len(out.Index)
		if n > 0 && out.Index[n-1].Equal(ts) {
			for c := range columns {
				if v := values[c][r]; !math.IsNaN(v) {
					out.Values[c][n-1] = v
				}
			}
			continue
		}
		out.Index = append(out.Index, ts)
		for c := range columns {
			out.Values[c] = append(out.Values[c], values[c][r])
		}
	}
	out.Freq = InferFreq(out.Index)
	return out, nil
}

// Empty returns a frame with the given index and columns filled with NaN.
func Empty(index []time.Time, columns []string) *Frame {
	f := &Frame{Index: slices.Clone(index), Columns: slices.Clone(columns), Values: make([][]float64, len(columns))}
	for c := range columns {
		col := make([]float64, len(index))
		for i := range col {
			col[i] = math.NaN()
		}
		f.Values[c] = col
	}
	f.Freq = InferFreq(f.Index)
	return f
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Index) }

// Validate checks the structural invariants of the frame.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("frame is nil")
	}
	if len(f.Columns) != len(f.Values) {
		return fmt.Errorf("columns (%d) and value columns (%d) differ", len(f.Columns), len(f.Values))
	}
	for i := 1; i < len(f.Index); i++ {
		if !f.Index[i].After(f.Index[i-1]) {
			return fmt.Errorf("index not strictly increasing at row %d (%s)", i, f.Index[i].Format(time.RFC3339))
		}
	}
	for c, col := range f.Values {
		if len(col) != len(f.Index) {
			return fmt.Errorf("column %q has %d values, index has %d", f.Columns[c], len(col), len(f.Index))
		}
	}
	return nil
}

// ColumnIndex returns the position of the named column or -1.
func (f *Frame) ColumnIndex(name string) int {
	return slices.Index(f.Columns, name)
}

// Column returns the values of the named series. The slice is shared with the frame.
func (f *Frame) Column(name string) ([]float64, bool) {
	i := f.ColumnIndex(name)
	if i < 0 {
		return nil, false
	}
	return f.Values[i], true
}

// Slice returns rows [start, end) as a new frame sharing no memory with f.
func (f *Frame) Slice(start, end int) *Frame {
	start = max(start, 0)
	end = min(end, f.Len())
	if end < start {
		end = start
	}
	out := &Frame{
		Index:   slices.Clone(f.Index[start:end]),
		Columns: slices.Clone(f.Columns),
		Values:  make([][]float64, len(f.Columns)),
		Freq:    f.Freq,
	}
	for c, col := range f.Values {
		out.Values[c] = slices.Clone(col[start:end])
	}
	return out
}

// Select returns a copy of f restricted to the named columns, in the given order.
func (f *Frame) Select(columns []string) (*Frame, error) {
	out := &Frame{
		Index:   slices.Clone(f.Index),
		Columns: make([]string, 0, len(columns)),
		Values:  make([][]float64, 0, len(columns)),
		Freq:    f.Freq,
	}
	for _, name := range columns {
		col, ok := f.Column(name)
		if !ok {
			return nil, fmt.Errorf("column %q not found", name)
		}
		out.Columns = append(out.Columns, name)
		out.Values = append(out.Values, slices.Clone(col))
	}
	return out, nil
}

// Drop returns a copy of f without the named columns.
func (f *Frame) Drop(columns ...string) *Frame {
	keep := make([]string, 0, len(f.Columns))
	for _, c := range f.Columns {
		if !slices.Contains(columns, c) {
			keep = append(keep, c)
		}
	}
	out, _ := f.Select(keep)
	return out
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	return f.Slice(0, f.Len())
}

// LastValid returns the row index of the last non-missing value of column c, or -1.
func (f *Frame) LastValid(c int) int {
	col := f.Values[c]
	for i := len(col) - 1; i >= 0; i-- {
		if !math.IsNaN(col[i]) {
			return i
		}
	}
	return -1
}

// Observed returns the number of non-missing values of column c.
func (f *Frame) Observed(c int) int {
	n := 0
	for _, v := range f.Values[c] {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// Matrix returns the frame as row-major data, suitable for regressors.
func (f *Frame) Matrix() [][]float64 {
	rows := make([][]float64, f.Len())
	for r := range rows {
		row := make([]float64, len(f.Columns))
		for c := range f.Columns {
			row[c] = f.Values[c][r]
		}
		rows[r] = row
	}
	return rows
}

// FutureIndex returns the n timestamps following the last row at the frame frequency.
func (f *Frame) FutureIndex(n int) ([]time.Time, error) {
	if f.Len() == 0 {
		return nil, errors.New("cannot extend an empty index")
	}
	freq := f.Freq
	if freq <= 0 {
		freq = InferFreq(f.Index)
	}
	if freq <= 0 {
		return nil, errors.New("frequency is unknown")
	}
	last := f.Index[f.Len()-1]
	out := make([]time.Time, n)
	for i := range out {
		out[i] = last.Add(time.Duration(i+1) * freq)
	}
	return out, nil
}

// String summarizes the frame shape.
func (f *Frame) String() string {
	if f.Len() == 0 {
		return fmt.Sprintf("Frame[0 x %d]", len(f.Columns))
	}
	return fmt.Sprintf("Frame[%d x %d] %s..%s [%s]", f.Len(), len(f.Columns),
		f.Index[0].Format(time.RFC3339), f.Index[f.Len()-1].Format(time.RFC3339), strings.Join(f.Columns, ","))
}

// InferFreq returns the most common spacing between consecutive timestamps.
func InferFreq(index []time.Time) time.Duration {
	if len(index) < 2 {
		return 0
	}
	counts := make(map[time.Duration]int)
	var best time.Duration
	for i := 1; i < len(index); i++ {
		d := index[i].Sub(index[i-1])
		counts[d]++
		if counts[d] > counts[best] || (counts[d] == counts[best] && d < best) {
			best = d
		}
	}
	return best
}

// ParseFreq parses a frequency alias ("D", "H", "W", "min", "infer") or a Go duration.
// "infer" and "" return zero, meaning the frequency is taken from the data.
func ParseFreq(s string) (time.Duration, error) {
	switch strings.TrimSpace(s) {
	case "", "infer":
		return 0, nil
	case "D", "d":
		return 24 * time.Hour, nil
	case "H", "h":
		return time.Hour, nil
	case "W", "w":
		return 7 * 24 * time.Hour, nil
	case "min", "T":
		return time.Minute, nil
	case "S", "s":
		return time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid frequency %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("frequency must be positive, got %s", s)
	}
	return d, nil
}

// Align reindexes f onto a regular grid of the given frequency spanning its
// first and last timestamps. Timestamps are truncated to the grid and values
// falling into the same slot are combined with agg ("sum", "mean", "last").
func Align(f *Frame, freq time.Duration, agg string) (*Frame, error) {
	if freq <= 0 {
		return nil, fmt.Errorf("frequency must be positive, got %s", freq)
	}
	if f.Len() == 0 {
		out := f.Clone()
		out.Freq = freq
		return out, nil
	}
	start := f.Index[0].Truncate(freq)
	end := f.Index[f.Len()-1].Truncate(freq)
	n := int(end.Sub(start)/freq) + 1

	out := Empty(nil, f.Columns)
	out.Index = make([]time.Time, n)
	for i := range out.Index {
		out.Index[i] = start.Add(time.Duration(i) * freq)
	}
	counts := make([][]int, len(f.Columns))
	for c := range f.Columns {
		out.Values[c] = make([]float64, n)
		for i := range out.Values[c] {
			out.Values[c][i] = math.NaN()
		}
		counts[c] = make([]int, n)
	}
	for r, ts := range f.Index {
		slot := int(ts.Truncate(freq).Sub(start) / freq)
		for c := range f.Columns {
			v := f.Values[c][r]
			if math.IsNaN(v) {
				continue
			}
			cur := out.Values[c][slot]
			switch agg {
			case "sum", "mean":
				if math.IsNaN(cur) {
					cur = 0
				}
				out.Values[c][slot] = cur + v
			case "last", "":
				out.Values[c][slot] = v
			default:
				return nil, fmt.Errorf("unsupported aggregation %q (must be sum, mean, or last)", agg)
			}
			counts[c][slot]++
		}
	}
	if agg == "mean" {
		for c := range f.Columns {
			for i, k := range counts[c] {
				if k > 1 {
					out.Values[c][i] /= float64(k)
				}
			}
		}
	}
	out.Freq = freq
	return out, nil
}
