package commands

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/respsel/pkg/cli"
	"github.com/haivivi/respsel/pkg/featurize"
	"github.com/haivivi/respsel/pkg/kv"
	"github.com/haivivi/respsel/pkg/nlu"
	"github.com/haivivi/respsel/pkg/selector"
	"github.com/haivivi/respsel/pkg/storage"
	"github.com/haivivi/respsel/pkg/trainlog"
)

var trainOpts trainOptions

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a response selector",
	Long: `Train a response selector on an NLU data file.

The data is tokenized and count-vectorized, the selector is trained and its
artifacts are written to --out together with the vocabulary. Epoch metrics
are recorded in the metrics database.

Example:
  respsel train --config selector.yml --data nlu.yml --out ./models
  respsel train --data nlu.yml --out ./models --store s3://models/faq`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := getContext()
		if err != nil {
			return err
		}
		sum, err := runTrain(cmd.Context(), trainOpts, sc, slog.Default())
		if err != nil {
			return err
		}
		if sum.NoTrainingData {
			cli.PrintWarning("No training data for the selector; saved an untrained selector")
		}
		return outputResult(sum)
	},
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainOpts.Config, "config", "", "selector config file (YAML)")
	f.StringVar(&trainOpts.Data, "data", "", "NLU training data file (YAML)")
	f.StringVar(&trainOpts.Out, "out", "", "artifact directory or s3:// URL (default: context store)")
	f.StringVar(&trainOpts.Name, "name", DefaultName, "artifact base name")
	f.StringVar(&trainOpts.MetricsDB, "metrics-db", "", "metrics database directory")
	f.StringVar(&trainOpts.Store, "store", "", "also copy the artifacts to this directory or s3:// URL")
	_ = trainCmd.MarkFlagRequired("data")
}

type trainOptions struct {
	Config    string
	Data      string
	Out       string
	Name      string
	MetricsDB string
	Store     string
}

// trainSummary is the output of the train command.
type trainSummary struct {
	RunID          string `yaml:"run_id" json:"run_id"`
	Name           string `yaml:"name" json:"name"`
	Location       string `yaml:"location" json:"location"`
	Mirror         string `yaml:"mirror,omitempty" json:"mirror,omitempty"`
	NoTrainingData bool   `yaml:"no_training_data" json:"no_training_data"`
	Examples       int    `yaml:"examples" json:"examples"`
	Labels         int    `yaml:"labels" json:"labels"`
	// RetrievalIntents lists every retrieval intent in the data, not only
	// the one trained on.
	RetrievalIntents []string           `yaml:"retrieval_intents" json:"retrieval_intents"`
	ResponseKeys     []string           `yaml:"response_keys" json:"response_keys"`
	Duration         string             `yaml:"duration" json:"duration"`
	Metrics          map[string]float64 `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Files            []string           `yaml:"files" json:"files"`
}

func (s *trainSummary) Header() []string { return []string{"field", "value"} }

func (s *trainSummary) Rows() [][]string {
	rows := [][]string{
		{"run_id", s.RunID},
		{"name", s.Name},
		{"location", s.Location},
		{"examples", fmt.Sprint(s.Examples)},
		{"labels", fmt.Sprint(s.Labels)},
		{"retrieval_intents", strings.Join(s.RetrievalIntents, ", ")},
		{"responses", fmt.Sprint(len(s.ResponseKeys))},
		{"duration", s.Duration},
	}
	if s.Mirror != "" {
		rows = append(rows, []string{"mirror", s.Mirror})
	}
	for _, k := range slices.Sorted(maps.Keys(s.Metrics)) {
		rows = append(rows, []string{k, cli.FormatFloat(s.Metrics[k])})
	}
	return rows
}

// vocabularyFile holds the featurizer vocabulary saved next to a
// selector.
func vocabularyFile(name string) string { return name + ".vocabulary.yml" }

func runTrain(ctx context.Context, opts trainOptions, sc *cli.Context, logger *slog.Logger) (*trainSummary, error) {
	if opts.Data == "" {
		return nil, fmt.Errorf("--data is required")
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}

	cfg := selector.DefaultConfig()
	if opts.Config != "" {
		var err error
		if cfg, err = selector.LoadConfigFile(opts.Config); err != nil {
			return nil, err
		}
	}
	td, err := nlu.LoadFile(opts.Data)
	if err != nil {
		return nil, err
	}
	pipeline := featurize.NewPipeline()
	if err := pipeline.Train(td); err != nil {
		return nil, err
	}

	intents := td.RetrievalIntents()
	if cfg.RetrievalIntent != "" && !slices.Contains(intents, cfg.RetrievalIntent) {
		logger.Warn("respsel: retrieval intent has no examples", "retrieval_intent", cfg.RetrievalIntent, "available", intents)
	}

	db, err := openMetricsDB(opts.MetricsDB, sc, logger)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	rec, err := trainlog.NewRecorder(ctx, db, trainlog.WithName(opts.Name), trainlog.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	s, err := selector.New(cfg, selector.WithLogger(logger), selector.WithObserver(rec.Observe))
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := s.Train(ctx, td)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	if err := rec.Err(); err != nil {
		logger.Warn("respsel: metrics not fully recorded", "err", err)
	}

	fs, location, err := openStore(opts.Out, sc)
	if err != nil {
		return nil, err
	}
	meta, err := s.Persist(ctx, fs, opts.Name)
	if err != nil {
		return nil, err
	}
	if err := selector.WriteMetadata(ctx, fs, opts.Name, meta); err != nil {
		return nil, err
	}
	w, err := fs.Write(ctx, vocabularyFile(opts.Name))
	if err != nil {
		return nil, err
	}
	if err := pipeline.Save(w); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	files := []string{selector.MetadataFile(opts.Name), vocabularyFile(opts.Name)}
	if meta.File != "" {
		files = append(files, selector.Files(meta.File)...)
	}

	sum := &trainSummary{
		RunID:            rec.RunID(),
		Name:             opts.Name,
		Location:         location,
		NoTrainingData:   res.NoTrainingData,
		Examples:         res.Examples,
		Labels:           res.Labels,
		RetrievalIntents: intents,
		ResponseKeys:     td.ResponseKeys(),
		Duration:         cli.FormatDuration(elapsed),
		Metrics:          res.Metrics,
		Files:            files,
	}

	if opts.Store != "" {
		dst, mirror, err := openStore(opts.Store, sc)
		if err != nil {
			return nil, err
		}
		if err := storage.Copy(ctx, dst, fs, files...); err != nil {
			return nil, err
		}
		sum.Mirror = mirror
	}
	return sum, nil
}

// openMetricsDB opens the badger metrics database from the flag, the
// context, or the default data directory.
func openMetricsDB(dir string, sc *cli.Context, logger *slog.Logger) (kv.Store, error) {
	if dir == "" && sc != nil {
		dir = sc.MetricsDB
	}
	if dir == "" {
		paths, err := cli.NewPaths(appName)
		if err != nil {
			return nil, err
		}
		if err := paths.EnsureDataDir(); err != nil {
			return nil, err
		}
		dir = paths.MetricsDB()
	}
	return kv.NewBadger(kv.BadgerOptions{Dir: dir, Logger: logger})
}
