// Package archive persists the best templates of a run so the next run can
// resume the search from them.
package archive

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// ErrArchiveCorrupt is returned when an archive exists but cannot be
// trusted. Callers must not fall back to a cold start on it.
var ErrArchiveCorrupt = errors.New("archive corrupt")

// Header is the column layout of the CSV codec.
var Header = []string{"ID", "ModelFamily", "ModelParameters", "TransformerParameters", "Ensemble", "Rank"}

// Record is one exported template. Parameters are JSON text. Ensemble is
// the kind of the deployed ensemble the template is a member of, or empty.
type Record struct {
	ID                    string
	ModelFamily           string
	ModelParameters       string
	TransformerParameters string
	Ensemble              string
	Rank                  int
}

// Encode writes records as CSV with a header row.
func Encode(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{r.ID, r.ModelFamily, r.ModelParameters, r.TransformerParameters, r.Ensemble, strconv.Itoa(r.Rank)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Decode reads records written by Encode. Any structural problem is
// reported as ErrArchiveCorrupt.
func Decode(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: missing header", ErrArchiveCorrupt)
	}
	header := rows[0]
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	// Rank is optional so archives written by hand still load.
	if len(header) < len(Header)-1 || !slices.Equal(header[:len(Header)-1], Header[:len(Header)-1]) {
		return nil, fmt.Errorf("%w: unexpected header %v", ErrArchiveCorrupt, header)
	}

	out := make([]Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		line := i + 2
		if len(row) != len(header) {
			return nil, fmt.Errorf("%w: line %d: %d fields, want %d", ErrArchiveCorrupt, line, len(row), len(header))
		}
		rec := Record{
			ID:                    strings.TrimSpace(row[0]),
			ModelFamily:           strings.TrimSpace(row[1]),
			ModelParameters:       row[2],
			TransformerParameters: row[3],
			Ensemble:              strings.TrimSpace(row[4]),
			Rank:                  i + 1,
		}
		if len(row) > 5 && strings.TrimSpace(row[5]) != "" {
			rank, err := strconv.Atoi(strings.TrimSpace(row[5]))
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: rank %q", ErrArchiveCorrupt, line, row[5])
			}
			rec.Rank = rank
		}
		if rec.ID == "" || rec.ModelFamily == "" {
			return nil, fmt.Errorf("%w: line %d: empty id or model family", ErrArchiveCorrupt, line)
		}
		out = append(out, rec)
	}
	return out, nil
}
