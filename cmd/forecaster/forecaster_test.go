package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HatiCode/evolvecast/cmd/forecaster/metrics"
	"github.com/HatiCode/evolvecast/pkg/archive"
	"github.com/HatiCode/evolvecast/pkg/autots"
	"github.com/HatiCode/evolvecast/pkg/dataset"
	"github.com/HatiCode/evolvecast/pkg/ensemble"
	"github.com/HatiCode/evolvecast/pkg/evolve"
	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/storage"
	"github.com/HatiCode/evolvecast/pkg/validation"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func day(i int) time.Time {
	return time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
}

func historyFrame(t *testing.T, n int, gen func(c, i int) float64) *dataset.Frame {
	t.Helper()
	columns := []string{"web", "orders"}
	index := make([]time.Time, n)
	values := make([][]float64, len(columns))
	for i := range index {
		index[i] = day(i)
	}
	for c := range columns {
		values[c] = make([]float64, n)
		for i := range n {
			values[c][i] = gen(c, i)
		}
	}
	f, err := dataset.New(index, columns, values)
	if err != nil {
		t.Fatalf("dataset.New() error = %v", err)
	}
	return f
}

func weekly(c, i int) float64 {
	return 100*float64(c+1) + 10*math.Sin(2*math.Pi*float64(i)/7)
}

func writeHistory(t *testing.T, dir string, f *dataset.Frame) string {
	t.Helper()
	path := filepath.Join(dir, "history.csv")
	var buf bytes.Buffer
	if err := dataset.WriteCSV(&buf, f); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runConfig() autots.Config {
	cfg := autots.DefaultConfig()
	cfg.Horizon = 7
	cfg.Quality = dataset.QualityOptions{}
	cfg.Strategy = validation.Backwards
	cfg.NumValidations = 1
	cfg.Models = "superfast"
	cfg.Transformers = "superfast"
	cfg.TransformerMaxDepth = 1
	cfg.Search.PopulationSize = 5
	cfg.Search.NewPerGeneration = 3
	cfg.Search.Workers = 2
	cfg.InitialGenerations = 1
	cfg.EvolveGenerations = 1
	cfg.Mode = autots.ModeCold
	cfg.ExportCount = 3
	cfg.ArchiveTemplates = false
	return cfg
}

func newTestRunner(t *testing.T, store *archive.Store, observer evolve.Observer) *autots.Runner {
	t.Helper()
	r, err := autots.NewRunner(runConfig(), models.DefaultRegistry(), store, observer, discard)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

type stubSource struct {
	history *dataset.Frame
	err     error
	loads   int
}

func (s *stubSource) Load(context.Context) (*dataset.Frame, *dataset.Frame, error) {
	s.loads++
	return s.history, nil, s.err
}

func TestForecaster_Tick(t *testing.T) {
	dir := t.TempDir()
	path := writeHistory(t, dir, historyFrame(t, 120, weekly))
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegisterer(reg, "daily")
	blob := archive.NewMemoryBlob()
	templates := archive.NewStore(blob, archive.DefaultName, models.DefaultRegistry(), discard)
	store := storage.NewMemoryStore()
	var board bytes.Buffer

	f := New("daily", newTestRunner(t, templates, m), &csvHistory{path: path}, store, Outputs{
		PointCSV:    filepath.Join(dir, "forecast.csv"),
		LowerCSV:    filepath.Join(dir, "lower.csv"),
		UpperCSV:    filepath.Join(dir, "upper.csv"),
		Parquet:     filepath.Join(dir, "forecast.parquet"),
		Leaderboard: 3,
		Writer:      &board,
	}, 0.9, discard, m)

	published := 0
	f.OnPublish(func() { published++ })

	if err := f.Ready(); !errors.Is(err, errNotPublished) {
		t.Errorf("Ready() before tick = %v, want errNotPublished", err)
	}
	if err := f.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if err := f.Ready(); err != nil {
		t.Errorf("Ready() after tick = %v", err)
	}
	if published != 1 {
		t.Errorf("publish callbacks = %d, want 1", published)
	}

	snap, found, err := store.GetLatest(context.Background(), "daily")
	if err != nil || !found {
		t.Fatalf("GetLatest() = %v, %v", found, err)
	}
	if len(snap.Series) != 2 || len(snap.Index) != 7 || snap.Interval != 0.9 || snap.RunID == "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.Index[0].Equal(day(120)) {
		t.Errorf("first forecast date = %s, want %s", snap.Index[0], day(120))
	}

	point, err := readCSV(filepath.Join(dir, "forecast.csv"))
	if err != nil {
		t.Fatalf("read forecast CSV: %v", err)
	}
	if point.Len() != 7 || len(point.Columns) != 2 {
		t.Errorf("forecast CSV is %dx%d, want 7x2", point.Len(), len(point.Columns))
	}
	for _, name := range []string{"lower.csv", "upper.csv"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}

	pf, err := os.Open(filepath.Join(dir, "forecast.parquet"))
	if err != nil {
		t.Fatal(err)
	}
	defer pf.Close()
	st, _ := pf.Stat()
	rows, err := dataset.ReadForecastParquet(pf, st.Size())
	if err != nil {
		t.Fatalf("ReadForecastParquet() error = %v", err)
	}
	if len(rows) != 14 {
		t.Errorf("parquet rows = %d, want 14", len(rows))
	}

	if len(blob.Names()) == 0 {
		t.Error("no templates exported to the archive")
	}
	out := board.String()
	if !strings.Contains(out, "Rank") || !strings.Contains(out, "Showing top") {
		t.Errorf("leaderboard = %q", out)
	}
}

func TestForecaster_Tick_Errors(t *testing.T) {
	flat := historyFrame(t, 60, func(int, int) float64 { return math.NaN() })

	tests := []struct {
		name    string
		source  *stubSource
		wantErr error
	}{
		{"load fails", &stubSource{err: errors.New("prometheus unreachable")}, nil},
		{"no usable series", &stubSource{history: flat}, autots.ErrNoSeries},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			f := New("daily", newTestRunner(t, nil, nil), tt.source, store, Outputs{}, 0.9, nil, nil)

			err := f.Tick(context.Background())
			if err == nil {
				t.Fatal("Tick() error = nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Tick() error = %v, want %v", err, tt.wantErr)
			}
			if store.Len() != 0 {
				t.Error("a snapshot was published after a failed run")
			}
			if f.Ready() == nil {
				t.Error("Ready() = nil after a failed run")
			}
		})
	}
}

func TestForecaster_Run_Once(t *testing.T) {
	src := &stubSource{history: historyFrame(t, 90, weekly)}
	f := New("daily", newTestRunner(t, nil, nil), src, storage.NewMemoryStore(), Outputs{}, 0.9, discard, nil)

	if err := f.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if src.loads != 1 {
		t.Errorf("loads = %d, want 1", src.loads)
	}
}

func TestForecaster_Run_StopAndCancel(t *testing.T) {
	for _, stop := range []string{"stop", "cancel"} {
		t.Run(stop, func(t *testing.T) {
			src := &stubSource{history: historyFrame(t, 90, weekly)}
			f := New("daily", newTestRunner(t, nil, nil), src, storage.NewMemoryStore(), Outputs{}, 0.9, discard, nil)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			f.OnPublish(func() {
				if stop == "stop" {
					f.Stop()
				} else {
					cancel()
				}
			})

			done := make(chan error, 1)
			go func() { done <- f.Run(ctx, time.Hour) }()

			select {
			case err := <-done:
				if stop == "stop" && err != nil {
					t.Errorf("Run() error = %v, want nil after Stop", err)
				}
				if stop == "cancel" && !errors.Is(err, context.Canceled) {
					t.Errorf("Run() error = %v, want context.Canceled", err)
				}
			case <-time.After(time.Minute):
				t.Fatal("Run() did not return")
			}
			f.Stop() // idempotent
		})
	}
}

func TestRunFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("prepare: %w", autots.ErrNoSeries), "no_series"},
		{fmt.Errorf("choose ensemble: %w", ensemble.ErrEnsembleInfeasible), "infeasible"},
		{fmt.Errorf("import templates: %w", archive.ErrArchiveCorrupt), "archive_corrupt"},
		{fmt.Errorf("run cancelled: %w", context.Canceled), "cancelled"},
		{errors.New("boom"), "run_failed"},
	}
	for _, tt := range tests {
		if got := runFailure(tt.err); got != tt.want {
			t.Errorf("runFailure(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")

	if err := writeFile(path, func(w io.Writer) error { return errors.New("disk full") }); err == nil {
		t.Error("writeFile() error = nil")
	}
	if err := writeFile(path, func(w io.Writer) error { _, err := io.WriteString(w, "ok"); return err }); err != nil {
		t.Fatalf("writeFile() error = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "out.csv" {
		t.Errorf("dir entries = %v, want only out.csv", entries)
	}
	if err := writeFile(filepath.Join(dir, "missing", "out.csv"), func(io.Writer) error { return nil }); err == nil {
		t.Error("writeFile() into a missing directory error = nil")
	}
}
