package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/template"
)

// Entry is a template selected for export.
type Entry struct {
	Template template.Template

	// Ensemble is the kind of the deployed ensemble the template belongs
	// to, or empty.
	Ensemble string
}

// Store reads and writes one named archive in a Blob. A Store assumes a
// single writer; concurrent exports to the same name race and the last
// one wins.
type Store struct {
	blob     Blob
	name     string
	registry *models.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore returns a store for the archive called name.
func NewStore(blob Blob, name string, reg *models.Registry, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{blob: blob, name: name, registry: reg, logger: logger, now: time.Now}
}

// Name returns the archive name.
func (s *Store) Name() string { return s.name }

// Records converts entries to archive rows ranked in order.
func Records(entries []Entry) []Record {
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = Record{
			ID:                    e.Template.ID,
			ModelFamily:           e.Template.Family,
			ModelParameters:       e.Template.ParamsJSON(),
			TransformerParameters: e.Template.TransformersJSON(),
			Ensemble:              e.Ensemble,
			Rank:                  i + 1,
		}
	}
	return out
}

// Export replaces the archive with entries. The previous archive stays
// intact when encoding or writing fails.
func (s *Store) Export(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return errors.New("no templates to export")
	}
	return s.write(ctx, s.name, entries)
}

func (s *Store) write(ctx context.Context, name string, entries []Entry) error {
	var buf bytes.Buffer
	if err := Encode(&buf, Records(entries)); err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	if err := s.blob.Put(ctx, name, buf.Bytes()); err != nil {
		return fmt.Errorf("write archive %s: %w", name, err)
	}
	s.logger.Info("archive exported", "name", name, "templates", len(entries))
	return nil
}

// Import loads the archived templates in rank order. A missing archive
// yields no templates and no error. Content that does not decode, names an
// unknown family, fails parameter validation or whose stored id differs
// from the recomputed one is ErrArchiveCorrupt.
func (s *Store) Import(ctx context.Context) ([]template.Template, error) {
	data, err := s.blob.Get(ctx, s.name)
	if errors.Is(err, ErrNotFound) {
		s.logger.Info("no archive found, starting cold", "name", s.name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", s.name, err)
	}
	records, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", s.name, err)
	}
	slices.SortStableFunc(records, func(a, b Record) int { return a.Rank - b.Rank })

	seen := map[string]bool{}
	out := make([]template.Template, 0, len(records))
	for _, rec := range records {
		t, err := template.Parse(s.registry, rec.ModelFamily, rec.ModelParameters, rec.TransformerParameters)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: template %s: %v", ErrArchiveCorrupt, s.name, rec.ID, err)
		}
		if t.ID != rec.ID {
			return nil, fmt.Errorf("%w: %s: template %s recomputes to id %s", ErrArchiveCorrupt, s.name, rec.ID, t.ID)
		}
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	s.logger.Info("archive imported", "name", s.name, "templates", len(out))
	return out, nil
}

// Archive writes e alone under a timestamped copy of the archive name and
// returns that name. Failures are logged and reported as an empty name;
// they never affect the main archive.
func (s *Store) Archive(ctx context.Context, e Entry) string {
	name := TimestampedName(s.name, s.now())
	if err := s.write(ctx, name, []Entry{e}); err != nil {
		s.logger.Warn("timestamped archive failed", "name", name, "error", err)
		return ""
	}
	return name
}

// TimestampedName returns <base>_<YYYYMMDDHHMM><ext>.
func TimestampedName(name string, t time.Time) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%s%s", base, t.UTC().Format("200601021504"), ext)
}
