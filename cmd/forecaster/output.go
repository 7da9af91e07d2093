package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/HatiCode/evolvecast/pkg/autots"
	"github.com/HatiCode/evolvecast/pkg/dataset"
	"github.com/HatiCode/evolvecast/pkg/executor"
)

// Outputs are the files and the leaderboard written after each run. Empty
// paths are skipped.
type Outputs struct {
	PointCSV string
	LowerCSV string
	UpperCSV string
	Parquet  string

	// Leaderboard is the number of templates printed to Writer; 0 disables it.
	Leaderboard int
	Writer      io.Writer
}

// Write writes the forecast files.
func (o Outputs) Write(fc *executor.Forecast) error {
	csvs := []struct {
		path  string
		frame *dataset.Frame
	}{
		{o.PointCSV, fc.Point},
		{o.LowerCSV, fc.Lower},
		{o.UpperCSV, fc.Upper},
	}
	for _, c := range csvs {
		if c.path == "" {
			continue
		}
		if err := writeFile(c.path, func(w io.Writer) error { return dataset.WriteCSV(w, c.frame) }); err != nil {
			return err
		}
	}
	if o.Parquet != "" {
		err := writeFile(o.Parquet, func(w io.Writer) error {
			return dataset.WriteForecastParquet(w, fc.Point, fc.Lower, fc.Upper, fc.Assignment)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// writeFile writes through a temporary file in the target directory so
// readers never see a partial file.
func writeFile(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// RenderLeaderboard prints the deployed unit, the scored ensembles and the
// best templates of a run.
func (o Outputs) RenderLeaderboard(res *autots.Result) error {
	if o.Leaderboard <= 0 || o.Writer == nil {
		return nil
	}
	w := o.Writer

	if _, err := fmt.Fprintf(w, "Run %s (%s, %d generations", res.RunID, res.Plan.Mode, len(res.History)); err != nil {
		return err
	}
	if res.Interrupted {
		fmt.Fprint(w, ", interrupted")
	}
	fmt.Fprintf(w, ") deployed %s %s score %s\n",
		res.Deployed.Spec.Kind, shortID(res.Deployed.Spec.ID), formatScore(res.Deployed.Summary.Score))

	if len(res.Ensembles) > 0 {
		var data [][]string
		for _, e := range res.Ensembles {
			data = append(data, []string{
				string(e.Spec.Kind),
				shortID(e.Spec.ID),
				strconv.Itoa(len(e.Spec.Members())),
				formatScore(e.Summary.Score),
				strconv.Itoa(e.Summary.Splits),
			})
		}
		if err := renderTable(w, []string{"Ensemble", "ID", "Members", "Score", "Splits"}, data); err != nil {
			return err
		}
	}

	var data [][]string
	for i, c := range res.Leaderboard {
		if i == o.Leaderboard {
			break
		}
		chain := make([]string, len(c.Template.Transformers))
		for j, s := range c.Template.Transformers {
			chain[j] = s.Name
		}
		data = append(data, []string{
			strconv.Itoa(i + 1),
			shortID(c.Template.ID),
			c.Template.Family,
			strings.Join(chain, ">"),
			formatScore(c.Summary.Score),
			strconv.Itoa(c.Summary.Splits),
			c.Summary.Runtime.Round(time.Millisecond).String(),
		})
	}
	if err := renderTable(w, []string{"Rank", "Template", "Model", "Transformers", "Score", "Splits", "Runtime"}, data); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Showing top %d of %d templates\n", len(data), len(res.Leaderboard))
	return err
}

func renderTable(w io.Writer, headers []string, data [][]string) error {
	table := tablewriter.NewWriter(w)
	defer func() { _ = table.Close() }()

	table.Header(headers)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatScore(s float64) string {
	if math.IsInf(s, 1) {
		return "failed"
	}
	return strconv.FormatFloat(s, 'f', 4, 64)
}
