package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.DateTime,
	time.DateOnly,
	"2006-01-02T15:04:05",
	"2006/01/02",
}

// ParseTimestamp accepts RFC3339, date-time, date-only and Unix-second values.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(int64(sec), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "na", "null", "none":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// ReadCSV parses a wide CSV table whose first column is the timestamp and
// whose remaining columns are series. Empty cells are missing values.
func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv is empty")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 {
		return nil, errors.New("csv needs a timestamp column and at least one series")
	}
	columns := make([]string, len(header)-1)
	for i, h := range header[1:] {
		columns[i] = strings.TrimSpace(h)
	}

	var index []time.Time
	values := make([][]float64, len(columns))
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("line %d: %d fields, header has %d", line, len(rec), len(header))
		}
		ts, err := ParseTimestamp(rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		index = append(index, ts)
		for c := range columns {
			v, err := parseCell(rec[c+1])
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, columns[c], err)
			}
			values[c] = append(values[c], v)
		}
	}
	return New(index, columns, values)
}

// WriteCSV writes f in the layout read by ReadCSV.
func WriteCSV(w io.Writer, f *Frame) error {
	cw := csv.NewWriter(w)
	header := append([]string{"timestamp"}, f.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for r, ts := range f.Index {
		rec[0] = ts.UTC().Format(time.RFC3339)
		for c := range f.Columns {
			v := f.Values[c][r]
			if math.IsNaN(v) {
				rec[c+1] = ""
			} else {
				rec[c+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ForecastRow is the long-format record written to Parquet, one per
// (timestamp, series).
type ForecastRow struct {
	Timestamp time.Time `parquet:"timestamp,snappy"`
	Series    string    `parquet:"series,snappy,dict"`
	Point     float64   `parquet:"point,snappy"`
	Lower     float64   `parquet:"lower,snappy"`
	Upper     float64   `parquet:"upper,snappy"`
	Model     string    `parquet:"model,snappy,dict"`
}

// ForecastRows flattens point/lower/upper frames into long-format rows.
// models maps a series to the template that produced it and may be nil.
func ForecastRows(point, lower, upper *Frame, models map[string]string) ([]ForecastRow, error) {
	if lower.Len() != point.Len() || upper.Len() != point.Len() {
		return nil, errors.New("point, lower and upper frames differ in length")
	}
	rows := make([]ForecastRow, 0, point.Len()*len(point.Columns))
	for c, name := range point.Columns {
		lo, ok := lower.Column(name)
		if !ok {
			return nil, fmt.Errorf("lower frame missing series %q", name)
		}
		up, ok := upper.Column(name)
		if !ok {
			return nil, fmt.Errorf("upper frame missing series %q", name)
		}
		for r, ts := range point.Index {
			rows = append(rows, ForecastRow{
				Timestamp: ts,
				Series:    name,
				Point:     point.Values[c][r],
				Lower:     lo[r],
				Upper:     up[r],
				Model:     models[name],
			})
		}
	}
	return rows, nil
}

// WriteForecastParquet writes the forecast in long format using the
// struct-tag schema of ForecastRow.
func WriteForecastParquet(w io.Writer, point, lower, upper *Frame, models map[string]string) error {
	rows, err := ForecastRows(point, lower, upper, models)
	if err != nil {
		return err
	}
	writer := parquet.NewGenericWriter[ForecastRow](w)
	if _, err := writer.Write(rows); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write forecast rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// ReadForecastParquet reads rows written by WriteForecastParquet.
func ReadForecastParquet(r io.ReaderAt, size int64) ([]ForecastRow, error) {
	rows, err := parquet.Read[ForecastRow](r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read forecast parquet: %w", err)
	}
	return rows, nil
}
