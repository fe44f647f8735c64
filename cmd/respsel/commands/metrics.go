package commands

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/respsel/pkg/cli"
	"github.com/haivivi/respsel/pkg/kv"
	"github.com/haivivi/respsel/pkg/trainlog"
)

var metricsOpts metricsOptions

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show recorded training metrics",
	Long: `Show the epoch metrics of a training run. Without --run the most
recent run is shown; --list lists all runs.

Example:
  respsel metrics -o table
  respsel metrics --list
  respsel metrics --run 0b6c0e4e-... -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := getContext()
		if err != nil {
			return err
		}
		db, err := openMetricsDB(metricsOpts.DB, sc, slog.Default())
		if err != nil {
			return err
		}
		defer db.Close()
		if metricsOpts.List {
			runs, err := trainlog.Runs(cmd.Context(), db)
			if err != nil {
				return err
			}
			return outputResult(runTable(runs))
		}
		run, err := metricsRunID(cmd.Context(), db, metricsOpts.Run)
		if err != nil {
			return err
		}
		entries, err := trainlog.Epochs(cmd.Context(), db, run)
		if err != nil {
			return err
		}
		return outputResult(epochTable(entries))
	},
}

func init() {
	f := metricsCmd.Flags()
	f.StringVar(&metricsOpts.DB, "db", "", "metrics database directory")
	f.StringVar(&metricsOpts.Run, "run", "", "run id (default: most recent)")
	f.BoolVar(&metricsOpts.List, "list", false, "list runs")
}

type metricsOptions struct {
	DB   string
	Run  string
	List bool
}

// metricsRunID returns id, or the most recent run when id is empty.
func metricsRunID(ctx context.Context, db kv.Store, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	runs, err := trainlog.Runs(ctx, db)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("no training runs recorded")
	}
	return runs[len(runs)-1].ID, nil
}

type runTable []trainlog.Run

func (runTable) Header() []string { return []string{"id", "name", "started"} }

func (t runTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, r := range t {
		rows[i] = []string{r.ID, r.Name, r.Started.Format(time.RFC3339)}
	}
	return rows
}

type epochTable []trainlog.Entry

func (t epochTable) metricNames() []string {
	names := make(map[string]struct{})
	for _, e := range t {
		for k := range e.Metrics {
			names[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(names))
}

func (t epochTable) Header() []string {
	return append([]string{"epoch"}, t.metricNames()...)
}

func (t epochTable) Rows() [][]string {
	names := t.metricNames()
	rows := make([][]string, len(t))
	for i, e := range t {
		row := []string{strconv.Itoa(e.Epoch)}
		for _, n := range names {
			v, ok := e.Metrics[n]
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, cli.FormatFloat(v))
		}
		rows[i] = row
	}
	return rows
}
