package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/template"
	"github.com/HatiCode/evolvecast/pkg/transformers"
)

func testEntries(t *testing.T, reg *models.Registry) []Entry {
	t.Helper()
	var out []Entry
	add := func(family string, params map[string]any, chain []transformers.Spec, ensemble string) {
		tpl, err := template.New(reg, family, params, chain)
		if err != nil {
			t.Fatalf("template.New(%s) error = %v", family, err)
		}
		out = append(out, Entry{Template: tpl, Ensemble: ensemble})
	}
	add(models.Average, map[string]any{"window": 7}, nil, "horizontal-max")
	add(models.SeasonalNaive, nil, []transformers.Spec{{Name: transformers.Difference}}, "horizontal-max")
	add(models.LastValue, nil, []transformers.Spec{{Name: transformers.Detrend}, {Name: transformers.StandardScaler}}, "")
	return out
}

func TestStore_RoundTrip(t *testing.T) {
	reg := models.DefaultRegistry()
	entries := testEntries(t, reg)

	blobs := map[string]func(t *testing.T) Blob{
		"memory": func(t *testing.T) Blob { return NewMemoryBlob() },
		"file":   func(t *testing.T) Blob { return NewFileBlob(filepath.Join(t.TempDir(), "nested")) },
		"redis": func(t *testing.T) Blob {
			s := miniredis.RunT(t)
			b, err := NewRedisBlob(context.Background(), "redis://"+s.Addr(), "")
			if err != nil {
				t.Fatalf("NewRedisBlob() error = %v", err)
			}
			return b
		},
		"sqlite": func(t *testing.T) Blob {
			u := &url.URL{Scheme: "sqlite", Path: filepath.Join(t.TempDir(), "archive.db")}
			b, err := OpenSQLBlob(context.Background(), u, "")
			if err != nil {
				t.Fatalf("OpenSQLBlob() error = %v", err)
			}
			return b
		},
	}

	for name, newBlob := range blobs {
		t.Run(name, func(t *testing.T) {
			blob := newBlob(t)
			defer blob.Close()
			ctx := context.Background()
			store := NewStore(blob, "templates.csv", reg, nil)

			if err := store.Export(ctx, entries); err != nil {
				t.Fatalf("Export() error = %v", err)
			}
			got, err := store.Import(ctx)
			if err != nil {
				t.Fatalf("Import() error = %v", err)
			}
			if len(got) != len(entries) {
				t.Fatalf("Import() = %d templates, want %d", len(got), len(entries))
			}
			for i, tpl := range got {
				want := entries[i].Template
				if tpl.ID != want.ID || tpl.ParamsJSON() != want.ParamsJSON() || tpl.TransformersJSON() != want.TransformersJSON() {
					t.Errorf("template %d = %v, want %v", i, tpl, want)
				}
			}

			// a second export replaces the first
			if err := store.Export(ctx, entries[:1]); err != nil {
				t.Fatalf("Export() error = %v", err)
			}
			got, err = store.Import(ctx)
			if err != nil {
				t.Fatalf("Import() error = %v", err)
			}
			if len(got) != 1 || got[0].ID != entries[0].Template.ID {
				t.Errorf("Import() after re-export = %v, want [%s]", got, entries[0].Template.ID)
			}
		})
	}
}

func TestStore_ImportMissing(t *testing.T) {
	store := NewStore(NewFileBlob(t.TempDir()), "templates.csv", models.DefaultRegistry(), nil)
	got, err := store.Import(context.Background())
	if err != nil {
		t.Fatalf("Import() error = %v, want nil", err)
	}
	if len(got) != 0 {
		t.Errorf("Import() = %v, want empty", got)
	}
}

func TestStore_ImportCorrupt(t *testing.T) {
	reg := models.DefaultRegistry()
	entries := testEntries(t, reg)
	var valid bytes.Buffer
	if err := Encode(&valid, Records(entries)); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	first := Records(entries)[0]

	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"binary", "\x00\x01\x02garbage"},
		{"wrong header", "id,family\nabc,average\n"},
		{"short row", strings.Join(Header, ",") + "\nabc,average\n"},
		{"unknown family", strings.Join(Header, ",") + "\nabc,prophet,{},[],,1\n"},
		{"bad params json", strings.Join(Header, ",") + "\nabc,average,{window,[],,1\n"},
		{"params out of range", strings.Join(Header, ",") + "\nabc,average,\"{\"\"window\"\":9999}\",[],,1\n"},
		{"id mismatch", strings.Replace(valid.String(), first.ID, "0000000000000000", 1)},
		{"bad rank", strings.Join(Header, ",") + "\n" + first.ID + ",average,\"" + strings.ReplaceAll(first.ModelParameters, `"`, `""`) + "\",[],,first\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := NewMemoryBlob()
			if err := blob.Put(context.Background(), "templates.csv", []byte(tt.content)); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			_, err := NewStore(blob, "templates.csv", reg, nil).Import(context.Background())
			if !errors.Is(err, ErrArchiveCorrupt) {
				t.Errorf("Import() error = %v, want ErrArchiveCorrupt", err)
			}
		})
	}
}

func TestDecode_OptionalRankAndOrder(t *testing.T) {
	reg := models.DefaultRegistry()
	entries := testEntries(t, reg)
	recs := Records(entries)

	// written by hand without a rank column
	var sb strings.Builder
	sb.WriteString("ID,ModelFamily,ModelParameters,TransformerParameters,Ensemble\n")
	var buf bytes.Buffer
	if err := Encode(&buf, recs); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	for _, line := range lines[1:] {
		sb.WriteString(line[:strings.LastIndex(line, ",")] + "\n")
	}
	got, err := Decode(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	for i, r := range got {
		if r.Rank != i+1 || r.ID != recs[i].ID || r.Ensemble != recs[i].Ensemble {
			t.Errorf("record %d = %+v, want %+v", i, r, recs[i])
		}
	}

	// Import orders by rank, not by row position
	recs[0].Rank, recs[2].Rank = 3, 1
	buf.Reset()
	if err := Encode(&buf, recs); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	blob := NewMemoryBlob()
	_ = blob.Put(context.Background(), "a.csv", buf.Bytes())
	tpls, err := NewStore(blob, "a.csv", reg, nil).Import(context.Background())
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if tpls[0].ID != recs[2].ID || tpls[2].ID != recs[0].ID {
		t.Errorf("Import() order = %s %s %s, want rank order", tpls[0].ID, tpls[1].ID, tpls[2].ID)
	}
}

func TestStore_Archive(t *testing.T) {
	reg := models.DefaultRegistry()
	entries := testEntries(t, reg)
	blob := NewMemoryBlob()
	store := NewStore(blob, "templates.csv", reg, nil)
	store.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	name := store.Archive(context.Background(), entries[0])
	if name != "templates_202603040506.csv" {
		t.Errorf("Archive() = %q, want templates_202603040506.csv", name)
	}
	data, err := blob.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", name, err)
	}
	recs, err := Decode(bytes.NewReader(data))
	if err != nil || len(recs) != 1 || recs[0].ID != entries[0].Template.ID {
		t.Errorf("archived records = %v, %v; want one record %s", recs, err, entries[0].Template.ID)
	}
}

func TestStore_ArchiveFailureIsNotFatal(t *testing.T) {
	reg := models.DefaultRegistry()
	dir := t.TempDir()
	// a regular file where the blob directory should be
	blocker := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewStore(NewFileBlob(blocker), "templates.csv", reg, nil)
	if name := store.Archive(context.Background(), testEntries(t, reg)[0]); name != "" {
		t.Errorf("Archive() = %q, want empty name on failure", name)
	}
}

func TestStore_ExportEmpty(t *testing.T) {
	blob := NewMemoryBlob()
	if err := blob.Put(context.Background(), "templates.csv", []byte("keep")); err != nil {
		t.Fatal(err)
	}
	store := NewStore(blob, "templates.csv", models.DefaultRegistry(), nil)
	if err := store.Export(context.Background(), nil); err == nil {
		t.Error("Export(nil) error = nil, want error")
	}
	data, _ := blob.Get(context.Background(), "templates.csv")
	if string(data) != "keep" {
		t.Errorf("archive = %q, want previous content kept", data)
	}
}

func TestFileBlob_PutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBlob(dir)
	for i := range 3 {
		if err := b.Put(context.Background(), "templates.csv", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name() != "templates.csv" {
		t.Errorf("dir contents = %v, want only templates.csv", files)
	}
	if _, err := b.Get(context.Background(), "../escape.csv"); err == nil {
		t.Error("Get(../escape.csv) error = nil, want invalid name")
	}
}

func TestTimestampedName(t *testing.T) {
	at := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	tests := []struct {
		name string
		want string
	}{
		{"templates.csv", "templates_202512312359.csv"},
		{"best", "best_202512312359"},
		{"archive.v2.csv", "archive.v2_202512312359.csv"},
	}
	for _, tt := range tests {
		if got := TimestampedName(tt.name, at); got != tt.want {
			t.Errorf("TimestampedName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestOpenBlob(t *testing.T) {
	dir := t.TempDir()
	s := miniredis.RunT(t)

	tests := []struct {
		location string
		wantType string
		wantName string
	}{
		{filepath.Join(dir, "best.csv"), "*archive.FileBlob", "best.csv"},
		{"file://" + filepath.Join(dir, "models.csv"), "*archive.FileBlob", "models.csv"},
		{"redis://" + s.Addr() + "/0", "*archive.RedisBlob", DefaultName},
		{"redis://" + s.Addr() + "#prod.csv", "*archive.RedisBlob", "prod.csv"},
		{"sqlite://" + filepath.Join(dir, "a.db"), "*archive.SQLBlob", DefaultName},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			blob, name, err := OpenBlob(context.Background(), tt.location)
			if err != nil {
				t.Fatalf("OpenBlob() error = %v", err)
			}
			defer blob.Close()
			if got := fmt.Sprintf("%T", blob); got != tt.wantType {
				t.Errorf("OpenBlob() type = %s, want %s", got, tt.wantType)
			}
			if name != tt.wantName {
				t.Errorf("OpenBlob() name = %q, want %q", name, tt.wantName)
			}
		})
	}

	for _, bad := range []string{"", "ftp://host/x.csv", "mongodb://host/db"} {
		if _, _, err := OpenBlob(context.Background(), bad); err == nil {
			t.Errorf("OpenBlob(%q) error = nil, want error", bad)
		}
	}
}
