//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/HatiCode/evolvecast/cmd/forecaster/router"
	"github.com/HatiCode/evolvecast/pkg/archive"
	"github.com/HatiCode/evolvecast/pkg/autots"
	"github.com/HatiCode/evolvecast/pkg/dataset"
	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/storage"
	"github.com/HatiCode/evolvecast/pkg/validation"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})
	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	return endpoint
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "evolvecast",
				"POSTGRES_PASSWORD": "evolvecast",
				"POSTGRES_DB":       "forecasts",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("postgres://evolvecast:evolvecast@%s:%s/forecasts?sslmode=disable", host, port.Port())
}

func history(t *testing.T) *dataset.Frame {
	t.Helper()
	columns := []string{"web", "orders", "returns"}
	index := make([]time.Time, 200)
	values := make([][]float64, len(columns))
	for i := range index {
		index[i] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	}
	for c := range columns {
		values[c] = make([]float64, len(index))
		for i := range index {
			values[c][i] = 100*float64(c+1) + 10*math.Sin(2*math.Pi*float64(i)/7) + 0.1*float64(i)
		}
	}
	f, err := dataset.New(index, columns, values)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func runConfig() autots.Config {
	cfg := autots.DefaultConfig()
	cfg.Horizon = 14
	cfg.Quality = dataset.QualityOptions{}
	cfg.Strategy = validation.Backwards
	cfg.NumValidations = 1
	cfg.Models = "fast"
	cfg.Transformers = "superfast"
	cfg.TransformerMaxDepth = 1
	cfg.Search.PopulationSize = 8
	cfg.Search.NewPerGeneration = 4
	cfg.InitialGenerations = 2
	cfg.EvolveGenerations = 1
	cfg.ExportCount = 5
	return cfg
}

// TestArchiveBackends runs a cold start and then an evolving run against
// each database-backed archive.
func TestArchiveBackends(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	backends := map[string]func(*testing.T) string{
		"redis":    func(t *testing.T) string { return startRedis(t) + "#daily" },
		"postgres": func(t *testing.T) string { return startPostgres(t) + "#daily" },
	}
	for name, start := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := models.DefaultRegistry()
			blob, archiveName, err := archive.OpenBlob(ctx, start(t))
			if err != nil {
				t.Fatalf("OpenBlob() error = %v", err)
			}
			defer blob.Close()
			if archiveName != "daily" {
				t.Errorf("archive name = %q, want daily", archiveName)
			}
			store := archive.NewStore(blob, archiveName, reg, discard)

			var modes []autots.Mode
			for range 2 {
				runner, err := autots.NewRunner(runConfig(), reg, store, nil, discard)
				if err != nil {
					t.Fatalf("NewRunner() error = %v", err)
				}
				res, err := runner.Run(ctx, history(t), nil)
				if err != nil {
					t.Fatalf("Run() error = %v", err)
				}
				if res.Exported == 0 {
					t.Error("no templates exported")
				}
				modes = append(modes, res.Plan.Mode)
			}
			if modes[0] != autots.ModeCold || modes[1] != autots.ModeEvolve {
				t.Errorf("modes = %v, want cold then evolve", modes)
			}

			imported, err := store.Import(ctx)
			if err != nil || len(imported) == 0 {
				t.Errorf("Import() = %d templates, %v", len(imported), err)
			}
		})
	}
}

// TestPublishThroughRedis publishes a run through the Redis snapshot store
// and reads it back over the HTTP API.
func TestPublishThroughRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	addr := strings.TrimPrefix(startRedis(t), "redis://")

	snapshots, err := storage.NewRedisStore(addr, "", 0, time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer snapshots.Close()

	runner, err := autots.NewRunner(runConfig(), models.DefaultRegistry(), nil, nil, discard)
	if err != nil {
		t.Fatal(err)
	}
	res, err := runner.Run(ctx, history(t), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	snap, err := storage.NewSnapshot("daily", res.RunID, res.Forecast, 0.9, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := snapshots.Put(ctx, snap); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	server := httptest.NewServer(router.SetupRoutes(snapshots, time.Hour, nil, discard))
	defer server.Close()

	resp, err := http.Get(server.URL + "/forecast/current?name=daily&series=orders")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got storage.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RunID != res.RunID || len(got.Series) != 1 || len(got.Series[0].Point) != 14 {
		t.Errorf("snapshot = %+v", got)
	}
	for i, v := range got.Series[0].Point {
		if got.Series[0].Lower[i] > v || v > got.Series[0].Upper[i] {
			t.Errorf("step %d: %v outside [%v, %v]", i, v, got.Series[0].Lower[i], got.Series[0].Upper[i])
		}
	}
}
